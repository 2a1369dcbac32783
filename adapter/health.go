// Package adapter exposes a running dmaring process to monitoring systems:
// health endpoints, Prometheus and OpenTelemetry views of the rings, a JSON
// status page and a log of stream events.
package adapter

import (
	"fmt"
	"sync"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/dmaring/pkg/bridge"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
)

// NewHealth returns a health handler serving /live and /ready. With a non-nil
// reg every check result is also exported as a dmaring_healthcheck_status gauge.
func NewHealth(reg prometheus.Registerer) healthcheck.Handler {
	if reg == nil {
		return healthcheck.NewHandler()
	}
	return healthcheck.NewMetricsHandler(reg, "dmaring")
}

// ChannelRunning fails while ch is stopped.
func ChannelRunning(ch *dma.Channel) healthcheck.Check {
	return func() error {
		if !ch.Running() {
			return fmt.Errorf("%s channel stopped", ch.Direction())
		}
		return nil
	}
}

// BridgeRunning fails once b has returned.
func BridgeRunning(b *bridge.Bridge) healthcheck.Check {
	return func() error {
		if !b.Running() {
			return fmt.Errorf("%s bridge %s not running", b.Kind(), b.Name())
		}
		return nil
	}
}

// RingNotStalling fails when the ring stall counter grew by more than
// maxStalls since the previous check.
func RingNotStalling(r *shm.Ring, maxStalls uint64) healthcheck.Check {
	var (
		mu   sync.Mutex
		last = r.Stats().StallCount
	)
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		now := r.Stats().StallCount
		grew := now - last
		last = now
		if grew > maxStalls {
			return fmt.Errorf("ring %s stalled %d times since last check", r.Path(), grew)
		}
		return nil
	}
}
