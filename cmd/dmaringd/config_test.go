package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
)

const sampleConfig = `{
	// geometry of both directions
	"device": {"name": "dma1", "slot_size": 4096, "slot_count": 32, "check": "when-blocked"},
	"engine": {"period": "250us"},
	"stream": {"name": "iq", "rx": true, "sample_size": 2, "channels": 4},
	"rings": {"rx": "iq-rx", "full": "drop", "timeout": "2s"}, // trailing comma allowed
}`

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "dma1", cfg.Device.Name)
	assert.Equal(t, 4096, cfg.Device.SlotSize)
	assert.Equal(t, duration(250*time.Microsecond), cfg.Engine.Period)
	assert.Equal(t, duration(2*time.Second), cfg.Rings.Timeout)
	assert.Equal(t, defaultConfig().Listen, cfg.Listen)
	assert.Equal(t, defaultConfig().Engine.EpochBits, cfg.Engine.EpochBits)
	require.NoError(t, cfg.validate())

	dev, err := cfg.deviceConfig()
	require.NoError(t, err)
	assert.Equal(t, dma.CheckWhenBlocked, dev.Policy.Check)
	assert.Equal(t, dma.Geometry{SlotSize: 4096, SlotCount: 32}, dev.Geometry)

	ring := cfg.ringConfig(cfg.Rings.RX, shm.RoleRX)
	assert.Equal(t, shm.Drop, ring.Full)
	assert.Equal(t, 4, ring.Channels)
	assert.Equal(t, filepath.Join(cfg.Rings.Dir, "iq-rx"), ring.Path)
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	_, err := parseConfig([]byte(`{"device": `))
	assert.Error(t, err)
	_, err = parseConfig([]byte(`{"engine": {"period": "soon"}}`))
	assert.Error(t, err)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmaringd.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	opts, err := parseFlags([]string{"--config", path, "--slots", "16", "--name", "iq2", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, path, opts.configPath)
	assert.Equal(t, 16, opts.cfg.Device.SlotCount)
	assert.Equal(t, 4096, opts.cfg.Device.SlotSize)
	assert.Equal(t, "iq2", opts.cfg.Stream.Name)
	assert.Equal(t, "debug", opts.cfg.LogLevel)
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"tx ring without tx stream": func(c *Config) { c.Rings.TX = "tx" },
		"bad full policy":           func(c *Config) { c.Rings.Full = "spill" },
		"bad log level":             func(c *Config) { c.LogLevel = "loud" },
		"bad check mode":            func(c *Config) { c.Device.Check = "never" },
		"one slot":                  func(c *Config) { c.Device.SlotCount = 1 },
		"no stream name":            func(c *Config) { c.Stream.Name = "" },
	} {
		cfg := defaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.validate(), name)
	}
	assert.NoError(t, defaultConfig().validate())
}
