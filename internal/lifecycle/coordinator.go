package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

// Phase is the coordinator state.
type Phase string

const (
	PhaseStopped Phase = "stopped"
	PhaseActive  Phase = "active"
)

// ErrShutdown is returned by operations on a coordinator that has shut down.
var ErrShutdown = errors.New("coordinator shut down")

// Identity is the signed-in user.
type Identity struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Engine is the part of the sync engine the coordinator drives.
type Engine interface {
	Sync(ctx context.Context) (fsync.Result, error)
	RequestSync()
	Pause(ctx context.Context) error
	Resume()
	Close() error
}

// Listener is the part of the realtime listener the coordinator drives.
type Listener interface {
	Start(ctx context.Context) error
	Stop()
	NotifyNetworkRestored()
}

// Session holds everything owned by one signed-in user.
type Session struct {
	User     Identity
	Engine   Engine
	Listener Listener

	// Backend is probed by Ping. It may be nil.
	Backend Pinger

	// Close releases whatever the factory opened besides the engine and
	// listener. It may be nil.
	Close func() error
}

// Factory builds the session for a user.
type Factory func(ctx context.Context, user Identity) (*Session, error)

// Coordinator owns the session and moves it between phases. All
// transitions are serialized.
type Coordinator struct {
	factory Factory
	logger  *zap.Logger

	mu         sync.Mutex
	foreground bool
	user       *Identity
	reachable  bool
	phase      Phase
	session    *Session
	shutdown   bool

	// ctx outlives individual calls; listeners run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a stopped coordinator. The app is assumed to be
// in the background with nobody signed in and the network reachable.
func NewCoordinator(factory Factory, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		factory:   factory,
		logger:    logger.Named("lifecycle"),
		reachable: true,
		phase:     PhaseStopped,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetForeground records whether the host app is in the foreground.
func (c *Coordinator) SetForeground(ctx context.Context, foreground bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	c.foreground = foreground
	return c.reconcile(ctx)
}

// SetUser records the signed-in user, or nil after sign-out. Switching to
// a different user closes the previous session.
func (c *Coordinator) SetUser(ctx context.Context, user *Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	if user != nil && user.UserID == "" {
		user = nil
	}
	if user != nil {
		u := *user
		user = &u
	}
	c.user = user
	return c.reconcile(ctx)
}

// SetReachable records network reachability. When the network returns
// while the coordinator is active (foreground and signed in), the engine
// catches up with a sync and a parked realtime listener resubscribes. A
// backgrounded session catches up when it is next activated.
func (c *Coordinator) SetReachable(reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := reachable && !c.reachable
	c.reachable = reachable
	if !restored || c.phase != PhaseActive || c.session == nil {
		return
	}
	c.logger.Info("network restored, requesting sync")
	c.session.Engine.RequestSync()
	c.session.Listener.NotifyNetworkRestored()
}

// State returns the current phase.
func (c *Coordinator) State() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Reachable reports the last known network reachability.
func (c *Coordinator) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// Session returns the current session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Ping probes the current session's backend. Without a session there is
// nothing to reach and Ping succeeds.
func (c *Coordinator) Ping(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || s.Backend == nil {
		return nil
	}
	return s.Backend.Ping(ctx)
}

// Shutdown stops everything and waits for it to finish. The coordinator
// cannot be restarted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	// Cancel first so a transition blocked in a sync returns promptly.
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	c.phase = PhaseStopped
	return c.closeSession()
}

// reconcile moves to the phase the inputs call for. Caller holds c.mu.
func (c *Coordinator) reconcile(ctx context.Context) error {
	if c.session != nil && (c.user == nil || c.session.User.UserID != c.user.UserID) {
		c.logger.Info("signed-in user changed, closing session", zap.String("user", c.session.User.UserID))
		c.phase = PhaseStopped
		if err := c.closeSession(); err != nil {
			c.logger.Warn("failed to close session", zap.Error(err))
		}
	}

	want := c.foreground && c.user != nil
	switch {
	case want && c.phase == PhaseStopped:
		return c.activate(ctx)
	case !want && c.phase == PhaseActive:
		return c.deactivate(ctx)
	}
	return nil
}

func (c *Coordinator) activate(ctx context.Context) error {
	if c.session == nil {
		s, err := c.factory(ctx, *c.user)
		if err != nil {
			return fmt.Errorf("failed to start session for %s: %w", c.user.UserID, err)
		}
		c.session = s
	} else {
		c.session.Engine.Resume()
	}
	c.phase = PhaseActive
	c.logger.Info("sync active", zap.String("user", c.user.UserID))

	syncCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	_, err := c.session.Engine.Sync(syncCtx)
	stop()
	cancel()
	if err != nil {
		c.logger.Warn("initial sync failed", zap.Error(err))
	}

	if err := c.session.Listener.Start(c.ctx); err != nil {
		return fmt.Errorf("failed to start realtime listener: %w", err)
	}
	return nil
}

func (c *Coordinator) deactivate(ctx context.Context) error {
	c.phase = PhaseStopped
	c.session.Listener.Stop()
	if err := c.session.Engine.Pause(ctx); err != nil && !errors.Is(err, fsync.ErrEngineClosed) {
		return fmt.Errorf("failed to pause sync: %w", err)
	}
	c.logger.Info("sync stopped")
	return nil
}

func (c *Coordinator) closeSession() error {
	s := c.session
	if s == nil {
		return nil
	}
	c.session = nil

	s.Listener.Stop()
	errs := []error{s.Engine.Close()}
	if s.Close != nil {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
