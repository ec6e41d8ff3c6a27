package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// ApplyOutcome describes what a server-originated write did locally.
type ApplyOutcome string

const (
	// Applied means the row was written as synced.
	Applied ApplyOutcome = "applied"
	// Deleted means the record was removed (or was already absent).
	Deleted ApplyOutcome = "deleted"
	// SkippedDirty means the local record has unacknowledged changes and
	// was left alone. Its own upload will reconcile it.
	SkippedDirty ApplyOutcome = "skipped_dirty"
	// Stale means the local copy is strictly newer than the incoming row.
	Stale ApplyOutcome = "stale"
)

// BatchResult tallies the outcomes of ApplyRemoteBatch.
type BatchResult struct {
	Applied      int
	SkippedDirty int
	Stale        int
}

// ApplyRemote writes a server row directly as synced. See ApplyRemoteBatch.
func (s *Store) ApplyRemote(ctx context.Context, t schema.Table, row dto.Row) (ApplyOutcome, error) {
	var outcome ApplyOutcome
	_, err := s.applyRemote(ctx, t, []dto.Row{row}, func(o ApplyOutcome) { outcome = o })
	return outcome, err
}

// ApplyRemoteBatch writes server rows as synced in one transaction. Rows
// never overwrite a pending, syncing or failed record. A synced record is
// only replaced when the incoming updated_at is not older than the local
// one, so applying the same row twice is idempotent.
func (s *Store) ApplyRemoteBatch(ctx context.Context, t schema.Table, rows []dto.Row) (BatchResult, error) {
	return s.applyRemote(ctx, t, rows, nil)
}

func (s *Store) applyRemote(ctx context.Context, t schema.Table, rows []dto.Row, each func(ApplyOutcome)) (BatchResult, error) {
	var res BatchResult
	if len(rows) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ID() == "" {
			return res, fmt.Errorf("%w: table %s", dto.ErrMissingID, t)
		}
		ids = append(ids, row.ID())
	}

	unlock := s.lock(t, ids...)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = BatchResult{}
		for _, row := range rows {
			outcome, err := applyRow(ctx, tx, t, row, s.now)
			if err != nil {
				return err
			}
			switch outcome {
			case Applied:
				res.Applied++
			case SkippedDirty:
				res.SkippedDirty++
			case Stale:
				res.Stale++
			}
			if each != nil {
				each(outcome)
			}
		}
		return nil
	})
	return res, err
}

func applyRow(ctx context.Context, tx *sql.Tx, t schema.Table, row dto.Row, now func() time.Time) (ApplyOutcome, error) {
	existing, err := getRecord(ctx, tx, t, row.ID())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	incoming, hasTime := row.Time("updated_at")
	rec := &Record{Table: t, ID: row.ID()}
	if existing != nil {
		if existing.Meta.IsDirty() {
			return SkippedDirty, nil
		}
		if hasTime && existing.UpdatedAt.After(incoming) {
			return Stale, nil
		}
		rec = existing
	}
	if !hasTime {
		rec.UpdatedAt = now().UTC()
	}

	applyServerRow(rec, row)
	rec.Meta.MarkSynced()
	if err := putRecord(ctx, tx, rec); err != nil {
		return "", err
	}
	return Applied, nil
}

// DeleteRemote removes a record deleted on the server. A record with local
// changes is kept. Deleting an absent record succeeds.
func (s *Store) DeleteRemote(ctx context.Context, t schema.Table, id string) (ApplyOutcome, error) {
	unlock := s.lock(t, id)
	defer unlock()

	outcome := Deleted
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, t, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Meta.IsDirty() {
			outcome = SkippedDirty
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE table_name = ? AND id = ?`, string(t), id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", t, id, err)
		}
		return nil
	})
	return outcome, err
}

// RemoveOrphans deletes synced records of table t that are absent from
// serverIDs, the complete set of IDs the server holds. Records with local
// changes are never removed. Returns the removed IDs.
func (s *Store) RemoveOrphans(ctx context.Context, t schema.Table, serverIDs map[string]struct{}) ([]string, error) {
	local, err := s.SyncedIDs(ctx, t)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, id := range local {
		if _, ok := serverIDs[id]; !ok {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	unlock := s.lock(t, candidates...)
	defer unlock()

	var removed []string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		removed = removed[:0]
		for _, id := range candidates {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE table_name = ? AND id = ? AND sync_state = 'synced'`,
				string(t), id)
			if err != nil {
				return fmt.Errorf("failed to delete orphan %s/%s: %w", t, id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				removed = append(removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
