package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"

	"github.com/srediag/dmaring/internal/logging"
	internalshm "github.com/srediag/dmaring/internal/shm"
	"github.com/srediag/dmaring/pkg/bridge"
	"github.com/srediag/dmaring/pkg/device"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
	"github.com/srediag/dmaring/pkg/sim"
	"github.com/srediag/dmaring/pkg/stream"
)

// duration decodes "250ms" style strings.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the daemon configuration file, JSON with comments.
type Config struct {
	Device struct {
		Name              string `json:"name"`
		SlotSize          int    `json:"slot_size"`
		SlotCount         int    `json:"slot_count"`
		LockDir           string `json:"lock_dir"`
		OverflowThreshold int    `json:"overflow_threshold"`
		Check             string `json:"check"`
	} `json:"device"`
	Engine struct {
		EpochBits uint     `json:"epoch_bits"`
		Period    duration `json:"period"`
	} `json:"engine"`
	Stream struct {
		Name       string `json:"name"`
		RX         bool   `json:"rx"`
		TX         bool   `json:"tx"`
		SampleSize int    `json:"sample_size"`
		Channels   int    `json:"channels"`
	} `json:"stream"`
	Rings struct {
		Dir     string   `json:"dir"`
		RX      string   `json:"rx"`
		TX      string   `json:"tx"`
		Full    string   `json:"full"`
		Timeout duration `json:"timeout"`
		// MaxStalls is the stall growth per readiness check that still counts as ready.
		MaxStalls uint64 `json:"max_stalls"`
	} `json:"rings"`
	Listen      string   `json:"listen"`
	PollTimeout duration `json:"poll_timeout"`
	StatsFile   string   `json:"stats_file"`
	LogLevel    string   `json:"log_level"`
	EventDepth  int      `json:"event_depth"`
}

func defaultConfig() Config {
	var c Config
	dev := device.DefaultConfig()
	c.Device.Name = dev.Name
	c.Device.SlotSize = dev.Geometry.SlotSize
	c.Device.SlotCount = dev.Geometry.SlotCount
	c.Device.Check = dma.CheckEveryAcquire.String()
	c.Engine.EpochBits = sim.DefaultConfig().EpochBits
	c.Engine.Period = duration(time.Millisecond)
	c.Stream.Name = "stream0"
	c.Stream.RX = true
	c.Stream.SampleSize = 4
	c.Stream.Channels = 2
	c.Rings.Dir = internalshm.DefaultDir()
	c.Rings.RX = "dmaring-rx"
	c.Rings.Full = shm.Block.String()
	c.Rings.Timeout = duration(time.Second)
	c.Rings.MaxStalls = 1000
	c.Listen = "127.0.0.1:9464"
	c.PollTimeout = duration(bridge.DefaultConfig().PollTimeout)
	c.LogLevel = "info"
	c.EventDepth = 64
	return c
}

// parseConfig standardizes JSONC to JSON and decodes it over the defaults.
func parseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	if err := sonnet.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

type options struct {
	configPath string
	cfg        Config
}

// parseFlags loads the config file named by --config and applies the flags
// that were set on top of it.
func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("dmaringd", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSONC config file")
	name := fs.String("name", "", "stream name")
	slots := fs.Int("slots", 0, "slots per direction")
	slotSize := fs.Int("slot-size", 0, "slot payload size in bytes")
	period := fs.Duration("period", 0, "simulated time per slot")
	listen := fs.String("listen", "", "address for /live /ready /metrics /status")
	rxRing := fs.String("rx-ring", "", "RX ring name, empty for none")
	txRing := fs.String("tx-ring", "", "TX ring name, empty for none")
	ringDir := fs.String("ring-dir", "", "directory of ring files")
	full := fs.String("full", "", "RX ring full policy: block or drop")
	statsFile := fs.String("stats-file", "", "file written with the final stats")
	level := fs.String("log-level", "", "trace, debug, info, warn, error or none")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return options{}, err
	}
	if fs.Changed("name") {
		cfg.Stream.Name = *name
	}
	if fs.Changed("slots") {
		cfg.Device.SlotCount = *slots
	}
	if fs.Changed("slot-size") {
		cfg.Device.SlotSize = *slotSize
	}
	if fs.Changed("period") {
		cfg.Engine.Period = duration(*period)
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("rx-ring") {
		cfg.Rings.RX = *rxRing
	}
	if fs.Changed("tx-ring") {
		cfg.Rings.TX = *txRing
		cfg.Stream.TX = *txRing != ""
	}
	if fs.Changed("ring-dir") {
		cfg.Rings.Dir = *ringDir
	}
	if fs.Changed("full") {
		cfg.Rings.Full = *full
	}
	if fs.Changed("stats-file") {
		cfg.StatsFile = *statsFile
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *level
	}
	return options{configPath: *configPath, cfg: cfg}, cfg.validate()
}

func (c Config) validate() error {
	if c.Stream.Name == "" {
		return errors.New("stream name is required")
	}
	if c.Rings.RX != "" && !c.Stream.RX {
		return errors.New("an RX ring needs an RX stream")
	}
	if c.Rings.TX != "" && !c.Stream.TX {
		return errors.New("a TX ring needs a TX stream")
	}
	if _, err := c.fullPolicy(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	dev, err := c.deviceConfig()
	if err != nil {
		return err
	}
	return device.VerifyConfig(&dev)
}

func (c Config) fullPolicy() (shm.FullPolicy, error) {
	return shm.ParseFullPolicy(c.Rings.Full)
}

func (c Config) deviceConfig() (device.Config, error) {
	mode, err := dma.ParseCheckMode(c.Device.Check)
	if err != nil {
		return device.Config{}, err
	}
	dev := device.DefaultConfig()
	dev.Name = c.Device.Name
	dev.Geometry = dma.Geometry{SlotSize: c.Device.SlotSize, SlotCount: c.Device.SlotCount}
	dev.Policy = dma.Policy{OverflowThreshold: c.Device.OverflowThreshold, Check: mode}
	dev.LockDir = c.Device.LockDir
	return dev, nil
}

func (c Config) engineConfig() sim.Config {
	e := sim.DefaultConfig()
	e.EpochBits = c.Engine.EpochBits
	e.Period = time.Duration(c.Engine.Period)
	return e
}

func (c Config) streamConfig(m *stream.Metrics) stream.Config {
	s := stream.DefaultConfig()
	s.RX = c.Stream.RX
	s.TX = c.Stream.TX
	s.Format = stream.Format{SampleSize: c.Stream.SampleSize, Channels: c.Stream.Channels}
	s.Metrics = m
	if c.EventDepth > 0 {
		s.EventDepth = uint64(c.EventDepth)
	}
	return s
}

func (c Config) ringConfig(name string, role shm.Role) shm.Config {
	r := shm.DefaultConfig()
	r.Path = filepath.Join(c.Rings.Dir, name)
	r.SlotSize = c.Device.SlotSize
	r.SlotCount = c.Device.SlotCount
	r.Channels = c.Stream.Channels
	r.SampleSize = c.Stream.SampleSize
	r.Role = role
	r.Full, _ = c.fullPolicy()
	r.Timeout = time.Duration(c.Rings.Timeout)
	return r
}

func (c Config) bridgeConfig(m *bridge.Metrics) bridge.Config {
	b := bridge.DefaultConfig()
	b.PollTimeout = time.Duration(c.PollTimeout)
	b.Metrics = m
	return b
}
