package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Save records a local mutation of e. The record becomes pending, its retry
// budget restarts and its revision advances, so an upload already in flight
// for the previous revision will not mark it synced.
//
// A missing ID or CreatedAt is filled in; UpdatedAt is always set to now.
// Save must never be used to store server-originated rows (see ApplyRemote).
func (s *Store) Save(ctx context.Context, e schema.Entity) (*Record, error) {
	base := e.Base()
	if base.ID == "" {
		base.ID = schema.NewID()
	}
	now := s.now().UTC()
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	base.UpdatedAt = now

	row, err := dto.Encode(e)
	if err != nil {
		return nil, err
	}

	t := e.Table()
	unlock := s.lock(t, base.ID)
	defer unlock()

	var rec *Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			meta    schema.SyncMeta
			baseRow dto.Row
		)
		existing, err := getRecord(ctx, tx, t, base.ID)
		switch {
		case err == nil:
			meta = existing.Meta
			baseRow = existing.Base
		case !errors.Is(err, ErrNotFound):
			return err
		}

		meta.MarkPending()
		rec = &Record{
			Table:     t,
			ID:        base.ID,
			Row:       row,
			Base:      baseRow,
			UpdatedAt: now,
			DeletedAt: base.DeletedAt,
			Meta:      meta,
		}
		return putRecord(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}

	base.Sync = rec.Meta
	return rec, nil
}

// SoftDelete marks a record deleted locally. The deletion reaches the server
// as an ordinary upload of deleted_at.
func (s *Store) SoftDelete(ctx context.Context, t schema.Table, id string) (*Record, error) {
	e, err := s.GetEntity(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if e.Base().IsDeleted() {
		return nil, fmt.Errorf("%s/%s is already deleted", t, id)
	}
	now := s.now().UTC()
	e.Base().DeletedAt = &now
	return s.Save(ctx, e)
}
