package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrNotSubscribed marks transport errors that happened before the
// subscription was in place, such as a failed dial.
var ErrNotSubscribed = errors.New("realtime subscription not established")

// Transport delivers raw broadcast payloads. Listen subscribes, calls
// handle for each payload in order and blocks until ctx is cancelled or
// the connection fails. It releases the subscription before returning.
// Failures before the subscription is in place should wrap
// ErrNotSubscribed.
type Transport interface {
	Listen(ctx context.Context, handle func([]byte)) error
}

// ListenerConfig holds configuration for a Listener.
type ListenerConfig struct {
	// RetryAttempts is the number of reconnects tried after consecutive
	// connection failures before the listener waits for
	// NotifyNetworkRestored.
	RetryAttempts uint

	// RetryInitial is the first reconnect delay; it doubles per attempt.
	RetryInitial time.Duration

	// OnOutcome, if set, is called after every handled payload.
	OnOutcome func(Outcome)

	Logger *zap.Logger
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		RetryAttempts: 3,
		RetryInitial:  time.Second,
	}
}

// Listener keeps one subscription open and feeds it to a Processor.
type Listener struct {
	transport Transport
	proc      *Processor
	cfg       ListenerConfig
	logger    *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	restored chan struct{}
}

// NewListener creates a listener. If cfg is nil, DefaultListenerConfig is
// used.
func NewListener(transport Transport, proc *Processor, cfg *ListenerConfig) *Listener {
	if cfg == nil {
		cfg = DefaultListenerConfig()
	}
	c := *cfg
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	return &Listener{
		transport: transport,
		proc:      proc,
		cfg:       c,
		logger:    c.Logger.Named("listener"),
		restored:  make(chan struct{}, 1),
	}
}

// Start subscribes in the background. It is a no-op if the listener is
// already running. The listener stops when ctx is cancelled or Stop is
// called.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return nil
	}
	if l.transport == nil || l.proc == nil {
		return fmt.Errorf("listener requires a transport and a processor")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	// Drop a stale wakeup from a previous run.
	select {
	case <-l.restored:
	default:
	}

	go func() {
		defer close(done)
		l.run(ctx)
	}()
	l.logger.Info("realtime listener started")
	return nil
}

// Stop cancels the subscription and waits until no further event can be
// applied. It is a no-op if the listener is not running.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("realtime listener stopped")
}

// Running reports whether the listener has been started and not stopped.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// NotifyNetworkRestored wakes a listener parked after repeated connection
// failures. It has no effect on a healthy subscription.
func (l *Listener) NotifyNetworkRestored() {
	select {
	case l.restored <- struct{}{}:
	default:
	}
}

func (l *Listener) run(ctx context.Context) {
	for {
		err := l.listenWithRetry(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("realtime subscription lost, waiting for network", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-l.restored:
			l.logger.Info("network restored, resubscribing")
		}
	}
}

// listenWithRetry holds a subscription open, reconnecting with exponential
// backoff. Only consecutive failures count against RetryAttempts: a
// session that got established resets the count and the delay. It returns
// once the attempts are used up or ctx ends.
func (l *Listener) listenWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.Reset()

	var failures uint
	for {
		established, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		if established {
			failures = 0
			b.Reset()
			l.logger.Info("realtime subscription dropped, resubscribing", zap.Error(err))
		} else {
			failures++
			l.logger.Debug("realtime subscription failed",
				zap.Uint("failures", failures), zap.Error(err))
			if failures > l.cfg.RetryAttempts {
				return err
			}
		}

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// listenOnce runs one transport session. The session counts as
// established when it delivered a payload or stayed open for at least
// RetryInitial, unless the server refused the subscription.
func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	var delivered atomic.Bool
	start := time.Now()
	err := l.transport.Listen(ctx, func(data []byte) {
		delivered.Store(true)
		l.handle(ctx, data)
	})
	if errors.Is(err, ErrSubscribeRejected) || errors.Is(err, ErrNotSubscribed) {
		return false, err
	}
	return delivered.Load() || time.Since(start) >= l.cfg.RetryInitial, err
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	outcome, err := l.proc.HandleRaw(ctx, data)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("failed to apply realtime event", zap.Error(err))
		}
		return
	}
	if l.cfg.OnOutcome != nil {
		l.cfg.OnOutcome(outcome)
	}
}
