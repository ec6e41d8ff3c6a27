package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger probes the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReachabilityMonitor probes the backend on an interval and reports
// transitions between reachable and unreachable.
type ReachabilityMonitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	onChange func(reachable bool)
	logger   *zap.Logger

	mu        sync.Mutex
	reachable bool
}

// NewReachabilityMonitor creates a monitor that starts out assuming the
// network is reachable. onChange is called only on transitions.
func NewReachabilityMonitor(p Pinger, interval time.Duration, onChange func(bool), logger *zap.Logger) *ReachabilityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &ReachabilityMonitor{
		pinger:    p,
		interval:  interval,
		timeout:   timeout,
		onChange:  onChange,
		logger:    logger.Named("reachability"),
		reachable: true,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *ReachabilityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe pings once and reports a transition if the result changed.
func (m *ReachabilityMonitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return m.Reachable()
	}

	up := err == nil
	m.mu.Lock()
	changed := up != m.reachable
	m.reachable = up
	m.mu.Unlock()

	if changed {
		if up {
			m.logger.Info("backend reachable")
		} else {
			m.logger.Warn("backend unreachable", zap.Error(err))
		}
		if m.onChange != nil {
			m.onChange(up)
		}
	}
	return up
}

// Reachable returns the result of the last probe.
func (m *ReachabilityMonitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}
