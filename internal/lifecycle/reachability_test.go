package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type switchPinger struct {
	mu    sync.Mutex
	down  bool
	pings int
}

func (p *switchPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	if p.down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *switchPinger) set(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func TestReachabilityMonitor_ReportsTransitions(t *testing.T) {
	ctx := context.Background()
	p := &switchPinger{}
	var changes []bool
	m := NewReachabilityMonitor(p, time.Minute, func(up bool) { changes = append(changes, up) }, zaptest.NewLogger(t))

	assert.True(t, m.Probe(ctx))
	assert.Empty(t, changes, "starts reachable")

	p.set(true)
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Probe(ctx))
	p.set(false)
	assert.True(t, m.Probe(ctx))

	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, m.Reachable())
}

func TestReachabilityMonitor_RunFeedsCoordinator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t)
	require.NoError(t, h.coord.SetForeground(ctx, true))
	require.NoError(t, h.coord.SetUser(ctx, &Identity{UserID: "user-a"}))

	p := &switchPinger{down: true}
	m := NewReachabilityMonitor(p, 20*time.Millisecond, h.coord.SetReachable, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	require.Eventually(t, func() bool { return !h.coord.Reachable() }, 2*time.Second, 10*time.Millisecond)
	p.set(false)
	require.Eventually(t, func() bool {
		calls := h.engines[0].Calls()
		return len(calls) == 2 && calls[1] == "request"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestCoordinator_PingUsesSessionBackend(t *testing.T) {
	ctx := context.Background()
	p := &switchPinger{down: true}
	coord := NewCoordinator(func(ctx context.Context, user Identity) (*Session, error) {
		return &Session{User: user, Engine: &fakeEngine{}, Listener: &fakeListener{}, Backend: p}, nil
	}, zaptest.NewLogger(t))
	defer coord.Shutdown(ctx)

	assert.NoError(t, coord.Ping(ctx), "no session")

	require.NoError(t, coord.SetForeground(ctx, true))
	require.NoError(t, coord.SetUser(ctx, &Identity{UserID: "user-a"}))
	assert.Error(t, coord.Ping(ctx))
	p.set(false)
	assert.NoError(t, coord.Ping(ctx))
}
