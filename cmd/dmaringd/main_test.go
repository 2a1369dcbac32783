package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

func TestRunBridgesAndWritesStats(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.Device.SlotSize = 64
	cfg.Device.SlotCount = 8
	cfg.Engine.Period = duration(time.Millisecond)
	cfg.Rings.Dir = dir
	cfg.Rings.RX = "rx"
	cfg.Rings.Timeout = duration(10 * time.Millisecond)
	cfg.PollTimeout = duration(10 * time.Millisecond)
	cfg.Listen = ""
	cfg.StatsFile = filepath.Join(dir, "stats.json")
	cfg.LogLevel = "none"
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, options{cfg: cfg}))

	data, err := os.ReadFile(cfg.StatsFile)
	require.NoError(t, err)
	var st struct {
		Stream struct {
			Name string `json:"name"`
		} `json:"stream"`
		Bridges []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"bridges"`
		Rings map[string]struct {
			WriteIndex uint64 `json:"write_index"`
			Flags      uint16 `json:"flags"`
		} `json:"rings"`
	}
	require.NoError(t, sonnet.Unmarshal(data, &st))
	assert.Equal(t, cfg.Stream.Name, st.Stream.Name)
	require.Len(t, st.Bridges, 1)
	assert.Equal(t, "rx", st.Bridges[0].Kind)
	assert.Positive(t, st.Rings["rx"].WriteIndex)
	assert.NotZero(t, st.Rings["rx"].Flags&1, "ring finished")

	_, err = os.Stat(filepath.Join(dir, "rx"))
	assert.True(t, os.IsNotExist(err))
}
