package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

// Store is the part of the local store the engine needs.
type Store interface {
	DirtyRecords(ctx context.Context, t schema.Table, maxRetries int) ([]*store.Record, error)
	MarkSyncing(ctx context.Context, t schema.Table, id string) (*store.Record, error)
	AckUpload(ctx context.Context, t schema.Table, id string, rev int64, server dto.Row) (bool, error)
	RequeueTransient(ctx context.Context, t schema.Table, id string, rev int64) error
	MarkFailed(ctx context.Context, t schema.Table, id string, rev int64, reason string) error
	RecoverInFlight(ctx context.Context) (int, error)
	ResetFailed(ctx context.Context) (int, error)
	ApplyRemoteBatch(ctx context.Context, t schema.Table, rows []dto.Row) (store.BatchResult, error)
	RemoveOrphans(ctx context.Context, t schema.Table, serverIDs map[string]struct{}) ([]string, error)
	Watermark(ctx context.Context, t schema.Table) (time.Time, bool, error)
	SetWatermarks(ctx context.Context, marks map[schema.Table]time.Time) error
	Counts(ctx context.Context, maxRetries int) (store.StateCounts, error)
}

// Engine coordinates sync cycles for one session.
type Engine struct {
	store   Store
	backend remote.Backend
	cfg     Config
	logger  *zap.Logger
	diags   *dto.DiagnosticReporter
	now     func() time.Time

	// slot admits one cycle at a time.
	slot chan struct{}

	mu      gosync.Mutex
	status  Status
	breaker breaker
	timer   *time.Timer
	rerun   bool
	paused  bool
	closed  bool
	subs    map[int]chan StatusEvent
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// New creates an engine. Records left in flight by an interrupted process
// are returned to pending.
//
// If cfg is nil, DefaultConfig is used.
func New(ctx context.Context, st Store, backend remote.Backend, cfg *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if len(c.Tables) == 0 {
		c.Tables = schema.UploadOrder
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Diagnostics == nil {
		c.Diagnostics = dto.NewDiagnosticReporter(c.Logger)
	}

	if n, err := st.RecoverInFlight(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		c.Logger.Info("requeued interrupted uploads", zap.Int("records", n))
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   st,
		backend: backend,
		cfg:     c,
		logger:  c.Logger.Named("sync"),
		diags:   c.Diagnostics,
		now:     time.Now,
		slot:    make(chan struct{}, 1),
		status:  Status{State: StateIdle},
		breaker: breaker{
			threshold: c.BreakerThreshold,
			base:      c.BreakerBaseCooldown,
			max:       c.BreakerMaxCooldown,
		},
		subs:   make(map[int]chan StatusEvent),
		ctx:    engineCtx,
		cancel: cancel,
	}
	e.refreshCounts(ctx)
	return e, nil
}

// Diagnostics returns the reporter shared with other decoders in the session.
func (e *Engine) Diagnostics() *dto.DiagnosticReporter {
	return e.diags
}

// Sync runs one incremental cycle and returns when it completes. If a cycle
// is already running, Sync waits for it and then runs its own. Sync is
// attempted even while the circuit breaker is open.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	return e.runManual(ctx, false)
}

// FullSync runs a cycle that also removes local records deleted on the
// server. It is O(table size) and meant for foreground transitions and
// explicit user requests.
func (e *Engine) FullSync(ctx context.Context) (Result, error) {
	return e.runManual(ctx, true)
}

func (e *Engine) runManual(ctx context.Context, full bool) (Result, error) {
	if err := e.track(); err != nil {
		return Result{}, err
	}
	defer e.wg.Done()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.ctx.Done():
		return Result{}, ErrEngineClosed
	}
	defer e.release()

	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return Result{}, ErrEnginePaused
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	return e.run(cycleCtx, full)
}

// RequestSync schedules an incremental cycle after the debounce period.
// Calls within the period restart it, so a burst of edits produces one
// cycle. It never blocks. Requests are dropped while the engine is paused
// or the circuit breaker is open.
func (e *Engine) RequestSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.paused {
		return
	}
	if remaining := e.breaker.remaining(e.now()); remaining > 0 {
		e.logger.Debug("sync request suppressed by circuit breaker", zap.Duration("remaining", remaining))
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.cfg.Debounce, e.fireDebounced)
}

func (e *Engine) fireDebounced() {
	e.mu.Lock()
	if e.closed || e.paused || e.breaker.open(e.now()) {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	select {
	case e.slot <- struct{}{}:
	default:
		// A cycle is running. It may have read the dirty set before the
		// edits that triggered this request, so run again afterwards.
		e.mu.Lock()
		e.rerun = true
		e.mu.Unlock()
		return
	}
	defer e.release()

	if _, err := e.run(e.ctx, false); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("automatic sync failed", zap.Error(err))
	}
}

// release frees the cycle slot and honors a request that arrived while
// the cycle ran.
func (e *Engine) release() {
	<-e.slot

	e.mu.Lock()
	rerun := e.rerun
	e.rerun = false
	e.mu.Unlock()

	if rerun {
		e.RequestSync()
	}
}

// track registers an in-flight operation unless the engine is closed.
func (e *Engine) track() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.wg.Add(1)
	return nil
}

// run executes one cycle while holding the slot and publishes its outcome.
func (e *Engine) run(ctx context.Context, full bool) (Result, error) {
	e.setState(StateSyncing)

	res, err := e.cycle(ctx, full)

	e.refreshCounts(context.WithoutCancel(ctx))
	e.finish(res, err)
	return res, err
}

// finish updates the breaker and status after a cycle.
func (e *Engine) finish(res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if err == nil {
		e.breaker.success()
		e.status.State = StateIdle
		e.status.LastSync = now
		e.status.LastError = ""
		e.status.ConsecutiveFailures = 0
		e.status.CooldownRemaining = 0
		e.logger.Info("sync complete",
			zap.Bool("full", res.Full),
			zap.Int("uploaded", res.Uploaded),
			zap.Int("rejected", res.Rejected),
			zap.Int("downloaded", res.Downloaded),
			zap.Int("orphans", res.Orphans),
			zap.Duration("duration", res.Duration),
		)
	} else {
		e.status.ConsecutiveFailures++
		e.status.LastError = err.Error()
		e.status.State = StateError
		if e.breaker.failure(now) {
			e.status.State = StateCircuitOpen
			e.status.CooldownRemaining = e.breaker.remaining(now)
			if e.timer != nil {
				e.timer.Stop()
			}
			e.rerun = false
			e.logger.Warn("circuit breaker open",
				zap.Int("consecutive_failures", e.status.ConsecutiveFailures),
				zap.Duration("cooldown", e.status.CooldownRemaining),
			)
		}
	}
	e.publishLocked(&res, err)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = s
	e.status.CooldownRemaining = 0
	e.publishLocked(nil, nil)
}

func (e *Engine) refreshCounts(ctx context.Context) {
	counts, err := e.store.Counts(ctx, e.cfg.MaxRetries)
	if err != nil {
		e.logger.Warn("failed to count records", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Pending = counts.Pending + counts.Syncing
	e.status.Failed = counts.Failed
	e.status.Exhausted = counts.Exhausted
}

// CurrentStatus returns a snapshot of the engine status.
func (e *Engine) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Status {
	s := e.status
	if s.State == StateCircuitOpen {
		s.CooldownRemaining = e.breaker.remaining(e.now())
		if s.CooldownRemaining == 0 {
			s.State = StateError
		}
	}
	return s
}

// Subscribe returns a channel of status transitions and a function that
// ends the subscription. Events are dropped for a subscriber that falls
// more than a few events behind.
func (e *Engine) Subscribe() (<-chan StatusEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan StatusEvent, 16)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *Engine) publishLocked(res *Result, err error) {
	ev := StatusEvent{At: e.now(), Status: e.snapshotLocked(), Result: res, Err: err}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ResetFailedEntities returns every failed record to pending with a fresh
// retry budget and requests a sync.
func (e *Engine) ResetFailedEntities(ctx context.Context) (int, error) {
	n, err := e.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.Info("reset failed records", zap.Int("records", n))
	e.refreshCounts(ctx)
	e.mu.Lock()
	e.publishLocked(nil, nil)
	e.mu.Unlock()
	e.RequestSync()
	return n, nil
}

// Pause stops automatic cycles and waits for a cycle in flight to finish.
// Sync and FullSync return ErrEnginePaused until Resume.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.paused = true
	e.rerun = false
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		<-e.slot
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-enables cycles after Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Close cancels any cycle in flight, waits for it to stop and ends every
// subscription. The engine cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	return nil
}
