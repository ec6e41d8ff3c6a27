package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

// Source is the part of the remote backend history is read from.
type Source interface {
	AuditHistory(ctx context.Context, q remote.AuditQuery) ([]remote.AuditRow, error)
	ClaimHistory(ctx context.Context, taskID string) ([]remote.ClaimRow, error)
	StatusHistory(ctx context.Context, taskID string) ([]remote.StatusRow, error)
}

// Users resolves user records from the local store.
type Users interface {
	GetEntity(ctx context.Context, t schema.Table, id string) (schema.Entity, error)
}

// Item is one rendered history line.
type Item struct {
	At      time.Time
	ActorID string
	Actor   string
	Summary string
}

// History renders change history for records.
type History struct {
	source Source
	users  Users
	diags  *dto.DiagnosticReporter
	logger *zap.Logger
}

// NewHistory creates a history reader. users may be nil, in which case
// actors are shown by id.
func NewHistory(source Source, users Users, diags *dto.DiagnosticReporter, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diags == nil {
		diags = dto.NewDiagnosticReporter(logger)
	}
	return &History{source: source, users: users, diags: diags, logger: logger.Named("audit")}
}

// ForEntity returns the history of one record, newest first. A limit of
// zero uses the server default.
func (h *History) ForEntity(ctx context.Context, t schema.Table, id string, limit int) ([]Item, error) {
	rows, err := h.source.AuditHistory(ctx, remote.AuditQuery{Table: t, RecordID: id, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s %s: %w", t, id, err)
	}

	names := h.resolver(ctx)
	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		e, diags := EntryFromRemote(r)
		h.diags.Report(diags...)

		table := e.Table
		if !table.IsValid() {
			table = t
		}
		if table == schema.TableAssignments {
			if uid, ok := e.row().String("user_id"); ok {
				e.SubjectName = names(uid)
			}
		}

		actorID := deref(e.ChangedBy)
		items = append(items, Item{
			At:      e.ChangedAt,
			ActorID: actorID,
			Actor:   names(actorID),
			Summary: Summarize(e, names(actorID), table),
		})
	}
	sortNewestFirst(items)
	return items, nil
}

// ForTask returns a task's claim and status timeline, newest first.
func (h *History) ForTask(ctx context.Context, taskID string) ([]Item, error) {
	claims, err := h.source.ClaimHistory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claim history for task %s: %w", taskID, err)
	}
	statuses, err := h.source.StatusHistory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history for task %s: %w", taskID, err)
	}

	names := h.resolver(ctx)
	items := make([]Item, 0, len(claims)+len(statuses))
	for _, r := range claims {
		ev := ClaimFromRemote(r)
		actorID := deref(ev.ActorID)
		items = append(items, Item{
			At:      ev.CreatedAt,
			ActorID: actorID,
			Actor:   names(actorID),
			Summary: SummarizeClaim(ev, names(actorID), names(ev.UserID)),
		})
	}
	for _, r := range statuses {
		sc := StatusFromRemote(r)
		actorID := deref(sc.ChangedBy)
		items = append(items, Item{
			At:      sc.ChangedAt,
			ActorID: actorID,
			Actor:   names(actorID),
			Summary: SummarizeStatusChange(sc, names(actorID)),
		})
	}
	sortNewestFirst(items)
	return items, nil
}

// resolver returns a memoized user-name lookup for one request.
func (h *History) resolver(ctx context.Context) func(string) string {
	cache := make(map[string]string)
	return func(id string) string {
		if id == "" {
			return ""
		}
		if name, ok := cache[id]; ok {
			return name
		}
		name := id
		if h.users != nil {
			ent, err := h.users.GetEntity(ctx, schema.TableUsers, id)
			switch {
			case err == nil:
				if u, ok := ent.(*schema.User); ok && u.Name != "" {
					name = u.Name
				}
			case !errors.Is(err, store.ErrNotFound):
				h.logger.Debug("failed to resolve user", zap.String("id", id), zap.Error(err))
			}
		}
		cache[id] = name
		return name
	}
}

func sortNewestFirst(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int {
		return b.At.Compare(a.At)
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
