package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// ErrNotUploadable is returned by MarkSyncing for a record that has nothing
// to upload or is already in flight.
var ErrNotUploadable = errors.New("record is not uploadable")

// MarkSyncing hands a pending or failed record to an upload. The returned
// record carries the revision the upload is for.
func (s *Store) MarkSyncing(ctx context.Context, t schema.Table, id string) (*Record, error) {
	unlock := s.lock(t, id)
	defer unlock()

	var rec *Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getRecord(ctx, tx, t, id); err != nil {
			return err
		}
		if err := rec.Meta.MarkSyncing(); err != nil {
			return fmt.Errorf("%w: %s/%s: %v", ErrNotUploadable, t, id, err)
		}
		return putRecord(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AckUpload applies the server's acknowledgment of revision rev. If the
// record was not edited while the upload was in flight it takes the server
// row, including the server's updated_at, and becomes synced. Otherwise it
// stays pending with its previous base, so the next upload resends every
// local change since the last acknowledged row. Reports whether the record
// is now synced.
func (s *Store) AckUpload(ctx context.Context, t schema.Table, id string, rev int64, server dto.Row) (bool, error) {
	unlock := s.lock(t, id)
	defer unlock()

	synced := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, t, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Meta.State != schema.SyncSyncing || rec.Meta.Rev != rev {
			return nil
		}

		applyServerRow(rec, server)
		rec.Meta.MarkSynced()
		synced = true
		return putRecord(ctx, tx, rec)
	})
	return synced, err
}

// RequeueTransient returns an in-flight record to pending after a network
// failure. The retry counter is not touched.
func (s *Store) RequeueTransient(ctx context.Context, t schema.Table, id string, rev int64) error {
	return s.updateInFlight(ctx, t, id, rev, func(m *schema.SyncMeta) {
		m.State = schema.SyncPending
	})
}

// MarkFailed records a server rejection of revision rev. A record edited
// since the upload began is left pending: the edit may have fixed it.
func (s *Store) MarkFailed(ctx context.Context, t schema.Table, id string, rev int64, reason string) error {
	return s.updateInFlight(ctx, t, id, rev, func(m *schema.SyncMeta) {
		m.MarkFailed(reason)
	})
}

func (s *Store) updateInFlight(ctx context.Context, t schema.Table, id string, rev int64, fn func(*schema.SyncMeta)) error {
	unlock := s.lock(t, id)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, t, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Meta.State != schema.SyncSyncing || rec.Meta.Rev != rev {
			return nil
		}
		fn(&rec.Meta)
		return putRecord(ctx, tx, rec)
	})
}

// RecoverInFlight returns records left syncing by an interrupted process to
// pending. Call it before the first cycle after startup.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE records SET sync_state = 'pending' WHERE sync_state = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailed clears the retry counter of every failed record and returns
// it to pending. Returns the number of records reset.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records
		SET sync_state = 'pending', retry_count = 0, last_error = ''
		WHERE sync_state = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func applyServerRow(rec *Record, server dto.Row) {
	rec.Row = server.Clone()
	rec.Base = server.Clone()
	if t, ok := server.Time("updated_at"); ok {
		rec.UpdatedAt = t
	}
	if t, ok := server.Time("deleted_at"); ok {
		rec.DeletedAt = &t
	} else {
		rec.DeletedAt = nil
	}
}
