// Package detector implements the failure detector (C3): a periodic sweep
// of the node registry that declares unresponsive workers dead, triggers
// recovery of their assignments, and removes them.
package detector

import (
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/registry"
	"github.com/rs/zerolog"
)

// DefaultMonitorInterval is the default sweep cadence.
const DefaultMonitorInterval = 10 * time.Second

// DefaultHeartbeatTimeout is the default silence duration after which a
// worker is declared dead.
const DefaultHeartbeatTimeout = 15 * time.Second

// Recoverer performs recovery (§4.7) for a worker the detector has just
// declared dead. Implemented by pkg/coordinator; kept as an interface here
// to avoid a dependency cycle between detector and coordinator.
type Recoverer interface {
	RecoverWorker(nodeID string) error
}

// Detector is the teacher's reconciler shape (ticker + mutex + logger)
// pointed at worker liveness instead of container health.
type Detector struct {
	registry  *registry.Registry
	recoverer Recoverer
	logger    zerolog.Logger
	mu        sync.Mutex
	stopCh    chan struct{}

	monitorInterval  time.Duration
	heartbeatTimeout time.Duration
}

// New creates a Detector over the given registry, calling recoverer for
// every worker it expires.
func New(reg *registry.Registry, recoverer Recoverer) *Detector {
	return &Detector{
		registry:         reg,
		recoverer:        recoverer,
		logger:           log.WithComponent("detector"),
		stopCh:           make(chan struct{}),
		monitorInterval:  DefaultMonitorInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

// SetIntervals overrides the sweep cadence and liveness timeout, for
// configuration/tests.
func (d *Detector) SetIntervals(monitorInterval, heartbeatTimeout time.Duration) {
	d.monitorInterval = monitorInterval
	d.heartbeatTimeout = heartbeatTimeout
}

// Start begins the sweep loop.
func (d *Detector) Start() {
	go d.run()
}

// Stop halts the sweep loop.
func (d *Detector) Stop() {
	close(d.stopCh)
}

func (d *Detector) run() {
	ticker := time.NewTicker(d.monitorInterval)
	defer ticker.Stop()

	d.logger.Info().Msg("failure detector started")

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopCh:
			d.logger.Info().Msg("failure detector stopped")
			return
		}
	}
}

// sweep runs one detection cycle: every worker silent for longer than
// heartbeatTimeout is recovered, then removed. Recovery strictly precedes
// removal so the dead worker's assignments stay visible to it.
func (d *Detector) sweep() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.DetectorCycleDuration)
		metrics.DetectorCyclesTotal.Inc()
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	dead := d.registry.ExpireStale(d.heartbeatTimeout)
	for _, nodeID := range dead {
		d.logger.Warn().Str("node_id", nodeID).Msg("worker expired, recovering")

		if err := d.recoverer.RecoverWorker(nodeID); err != nil {
			d.logger.Error().Err(err).Str("node_id", nodeID).Msg("recovery failed")
			continue
		}
		if err := d.registry.Remove(nodeID); err != nil {
			d.logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to remove expired worker")
		}
	}
}
