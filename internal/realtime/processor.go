package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

// Outcome reports what handling an event did.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDeleted      Outcome = "deleted"
	OutcomeSkippedEcho  Outcome = "skipped_echo"
	OutcomeSkippedDirty Outcome = "skipped_dirty"
	OutcomeStale        Outcome = "stale"
	OutcomeIgnored      Outcome = "ignored"
)

// Store is the part of the local store events are applied through.
type Store interface {
	Get(ctx context.Context, t schema.Table, id string) (*store.Record, error)
	ApplyRemote(ctx context.Context, t schema.Table, row dto.Row) (store.ApplyOutcome, error)
	DeleteRemote(ctx context.Context, t schema.Table, id string) (store.ApplyOutcome, error)
}

// Processor applies change events to the local store.
type Processor struct {
	store  Store
	diags  *dto.DiagnosticReporter
	logger *zap.Logger

	mu     sync.RWMutex
	userID string
}

// NewProcessor creates a processor. Diagnostics may be shared with the
// sync engine so a bad value is reported once per session.
func NewProcessor(st Store, diags *dto.DiagnosticReporter, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diags == nil {
		diags = dto.NewDiagnosticReporter(logger)
	}
	return &Processor{
		store:  st,
		diags:  diags,
		logger: logger.Named("realtime"),
	}
}

// SetUser sets the authenticated user used for self-echo detection.
func (p *Processor) SetUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userID = userID
}

func (p *Processor) user() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

// HandleRaw parses and applies one payload. Malformed payloads are logged
// and ignored; only store failures are returned.
func (p *Processor) HandleRaw(ctx context.Context, data []byte) (Outcome, error) {
	ev, err := ParseChangeEvent(data)
	if err != nil {
		var unknown *UnknownTableError
		if errors.As(err, &unknown) {
			p.diags.Report(dto.Diagnostic{
				Field:    tableKey,
				Raw:      unknown.Table,
				Fallback: string(OutcomeIgnored),
			})
			return OutcomeIgnored, nil
		}
		p.logger.Warn("ignoring realtime payload", zap.Error(err))
		return OutcomeIgnored, nil
	}
	return p.Handle(ctx, ev)
}

// Handle applies ev. The row is written as synced and never overwrites a
// record with local changes.
//
// An event authored by the current user is skipped when the local copy
// already exists and is at least as new, or still has changes in flight.
// Events with no origin are never skipped that way.
func (p *Processor) Handle(ctx context.Context, ev *ChangeEvent) (Outcome, error) {
	if ev.Version != SupportedVersion {
		p.diags.Report(dto.Diagnostic{
			Table:    ev.Table,
			Field:    versionKey,
			Raw:      strconv.Itoa(ev.Version),
			Fallback: strconv.Itoa(SupportedVersion),
		})
	}

	id := ev.ID()
	if p.isEcho(ctx, ev, id) {
		p.logger.Debug("skipping own change", zap.String("table", string(ev.Table)), zap.String("id", id))
		return OutcomeSkippedEcho, nil
	}

	if ev.Type == EventDelete {
		res, err := p.store.DeleteRemote(ctx, ev.Table, id)
		if err != nil {
			return "", err
		}
		return outcomeOf(res), nil
	}

	_, diags, err := dto.Decode(ev.Table, ev.Record)
	if err != nil {
		p.logger.Warn("ignoring undecodable event",
			zap.String("table", string(ev.Table)), zap.String("id", id), zap.Error(err))
		return OutcomeIgnored, nil
	}
	p.diags.Report(diags...)

	res, err := p.store.ApplyRemote(ctx, ev.Table, ev.Record)
	if err != nil {
		return "", err
	}
	return outcomeOf(res), nil
}

func (p *Processor) isEcho(ctx context.Context, ev *ChangeEvent, id string) bool {
	user := p.user()
	if ev.Origin == nil || user == "" || *ev.Origin != user {
		return false
	}

	local, err := p.store.Get(ctx, ev.Table, id)
	if errors.Is(err, store.ErrNotFound) {
		// The same user on another device, unless this device already
		// removed it.
		return ev.Type == EventDelete
	}
	if err != nil {
		return false
	}
	if local.Meta.IsDirty() {
		return true
	}
	incoming, ok := ev.Record.Time("updated_at")
	if !ok {
		return ev.Type != EventDelete
	}
	return !local.UpdatedAt.Before(incoming)
}

func outcomeOf(o store.ApplyOutcome) Outcome {
	switch o {
	case store.Applied:
		return OutcomeApplied
	case store.Deleted:
		return OutcomeDeleted
	case store.SkippedDirty:
		return OutcomeSkippedDirty
	case store.Stale:
		return OutcomeStale
	}
	return OutcomeIgnored
}
