package shm

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Role tells which side of the DMA engine a ring serves.
type Role uint8

const (
	// RoleRX rings carry received data from the DMA process to the application.
	RoleRX Role = iota
	// RoleTX rings carry data from the application to the DMA process, whose
	// consumer synthesizes filler slots when the ring runs dry.
	RoleTX
)

func (r Role) String() string {
	if r == RoleTX {
		return "tx"
	}
	return "rx"
}

// FullPolicy is what a producer does when the ring is full.
type FullPolicy uint8

const (
	// Block repolls with backoff until space frees up or Timeout passes.
	Block FullPolicy = iota
	// Drop counts a stall and a lost slot and returns ErrRingFull at once.
	Drop
)

func (p FullPolicy) String() string {
	if p == Drop {
		return "drop"
	}
	return "block"
}

// ParseFullPolicy parses "block" or "drop".
func ParseFullPolicy(s string) (FullPolicy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "drop":
		return Drop, nil
	}
	return 0, fmt.Errorf("unknown full policy %q", s)
}

// Config holds ring creation and open parameters.
type Config struct {
	// Name is resolved under /dev/shm (or the temp dir) when Path is empty.
	Name string
	Path string
	// SlotSize and SlotCount are required by Create. Open verifies them when
	// non-zero and adopts the header values otherwise.
	SlotSize  int
	SlotCount int
	// Channels and SampleSize describe the sample format. Same rules as above.
	Channels   int
	SampleSize int
	Role       Role
	Full       FullPolicy
	// Timeout bounds how long Block waits for space and Read waits for data.
	// Zero waits until the context is done.
	Timeout time.Duration
	// PollInterval and MaxPollInterval bound the repoll backoff.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Meter           metric.Meter
	Tracer          trace.Tracer
}

// DefaultConfig returns a config with default polling parameters.
func DefaultConfig() Config {
	return Config{
		Channels:        1,
		SampleSize:      4,
		Full:            Block,
		Timeout:         time.Second,
		PollInterval:    50 * time.Microsecond,
		MaxPollInterval: 5 * time.Millisecond,
	}
}

// VerifyConfig checks cfg for Create when creating is true, or for Open.
func VerifyConfig(cfg *Config, creating bool) error {
	if cfg.Name == "" && cfg.Path == "" {
		return errors.New("ring name or path is required")
	}
	if cfg.SlotSize < 0 || cfg.SlotCount < 0 || cfg.Channels < 0 || cfg.SampleSize < 0 {
		return errors.New("ring geometry must not be negative")
	}
	if creating {
		if cfg.SlotSize == 0 || cfg.SlotCount == 0 {
			return errors.New("slot size and slot count are required to create a ring")
		}
		if cfg.SlotSize > 1<<31 || cfg.SlotCount > 1<<31 {
			return fmt.Errorf("ring geometry %d x %d too large", cfg.SlotCount, cfg.SlotSize)
		}
		if cfg.Channels > 1<<16-1 {
			return fmt.Errorf("channel count %d exceeds 65535", cfg.Channels)
		}
		if cfg.SampleSize > 0 && cfg.Channels > 0 && cfg.SlotSize%(cfg.SampleSize*cfg.Channels) != 0 {
			return fmt.Errorf("slot size %d is not a multiple of %d channels x %d bytes",
				cfg.SlotSize, cfg.Channels, cfg.SampleSize)
		}
	}
	if cfg.Full > Drop {
		return fmt.Errorf("invalid full policy %d", cfg.Full)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	return nil
}
