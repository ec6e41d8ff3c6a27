package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Record is one stored row plus its sync metadata.
type Record struct {
	Table     schema.Table
	ID        string
	Row       dto.Row
	Base      dto.Row
	UpdatedAt time.Time
	DeletedAt *time.Time
	Meta      schema.SyncMeta
}

// Entity decodes the stored row into its typed form with the sync metadata
// attached.
func (r *Record) Entity() (schema.Entity, []dto.Diagnostic, error) {
	e, diags, err := dto.Decode(r.Table, r.Row)
	if err != nil {
		return nil, diags, err
	}
	e.Base().Sync = r.Meta
	return e, diags, nil
}

// UploadPayload returns the patch to send for this record.
func (r *Record) UploadPayload() dto.Row {
	return dto.Patch(r.Base, r.Row)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `table_name, id, payload, base_payload, updated_at, deleted_at,
	sync_state, retry_count, last_error, rev`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec       Record
		table     string
		payload   string
		base      sql.NullString
		updatedAt string
		deletedAt sql.NullString
		state     string
	)
	err := sc.Scan(&table, &rec.ID, &payload, &base, &updatedAt, &deletedAt,
		&state, &rec.Meta.RetryCount, &rec.Meta.LastError, &rec.Meta.Rev)
	if err != nil {
		return nil, err
	}

	rec.Table = schema.Table(table)
	if rec.Row, err = dto.UnmarshalRow([]byte(payload)); err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", table, rec.ID, err)
	}
	if base.Valid {
		if rec.Base, err = dto.UnmarshalRow([]byte(base.String)); err != nil {
			return nil, fmt.Errorf("record %s/%s base: %w", table, rec.ID, err)
		}
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("record %s/%s updated_at: %w", table, rec.ID, err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s deleted_at: %w", table, rec.ID, err)
		}
		rec.DeletedAt = &t
	}
	// Unknown states read as pending so the record is uploaded again.
	rec.Meta.State, _ = schema.ParseSyncState(state)
	return &rec, nil
}

func getRecord(ctx context.Context, q querier, t schema.Table, id string) (*Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND id = ?`, string(t), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", t, id, err)
	}
	return rec, nil
}

func queryRecords(ctx context.Context, q querier, where string, args ...any) ([]*Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE `+where+` ORDER BY updated_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func putRecord(ctx context.Context, q querier, rec *Record) error {
	payload, err := json.Marshal(rec.Row)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", rec.Table, rec.ID, err)
	}
	var base sql.NullString
	if rec.Base != nil {
		data, err := json.Marshal(rec.Base)
		if err != nil {
			return fmt.Errorf("failed to marshal base of %s/%s: %w", rec.Table, rec.ID, err)
		}
		base = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(table_name, id) DO UPDATE SET
		payload = excluded.payload,
		base_payload = excluded.base_payload,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		sync_state = excluded.sync_state,
		retry_count = excluded.retry_count,
		last_error = excluded.last_error,
		rev = excluded.rev
	`
	_, err = q.ExecContext(ctx, query,
		string(rec.Table),
		rec.ID,
		string(payload),
		base,
		formatTime(rec.UpdatedAt),
		timeToNullString(rec.DeletedAt),
		string(rec.Meta.State),
		rec.Meta.RetryCount,
		rec.Meta.LastError,
		rec.Meta.Rev,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, t schema.Table, id string) (*Record, error) {
	return getRecord(ctx, s.conn, t, id)
}

// GetEntity returns a single record decoded into its typed form.
func (s *Store) GetEntity(ctx context.Context, t schema.Table, id string) (schema.Entity, error) {
	rec, err := s.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	e, _, err := rec.Entity()
	return e, err
}

// List returns every record of table t, including soft-deleted ones.
func (s *Store) List(ctx context.Context, t schema.Table) ([]*Record, error) {
	return queryRecords(ctx, s.conn, `table_name = ?`, string(t))
}

// Fetch returns records of table t whose field equals value.
func (s *Store) Fetch(ctx context.Context, t schema.Table, field string, value any) ([]*Record, error) {
	if !slices.Contains(dto.Columns(t), field) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, t, field)
	}
	if value == nil {
		return queryRecords(ctx, s.conn,
			`table_name = ? AND json_extract(payload, ?) IS NULL`, string(t), "$."+field)
	}
	return queryRecords(ctx, s.conn,
		`table_name = ? AND json_extract(payload, ?) = ?`, string(t), "$."+field, value)
}

// UpdatedSince returns records of table t updated strictly after since.
func (s *Store) UpdatedSince(ctx context.Context, t schema.Table, since time.Time) ([]*Record, error) {
	return queryRecords(ctx, s.conn, `table_name = ? AND updated_at > ?`, string(t), formatTime(since))
}

// DirtyRecords returns the upload candidates of table t: every pending record
// plus failed records that still have retry budget.
func (s *Store) DirtyRecords(ctx context.Context, t schema.Table, maxRetries int) ([]*Record, error) {
	return queryRecords(ctx, s.conn,
		`table_name = ? AND (sync_state = 'pending' OR (sync_state = 'failed' AND retry_count < ?))`,
		string(t), maxRetries)
}

// FailedRecords returns every failed record across all tables.
func (s *Store) FailedRecords(ctx context.Context) ([]*Record, error) {
	return queryRecords(ctx, s.conn, `sync_state = 'failed'`)
}

// SyncedIDs returns the IDs of records in table t with no local changes.
func (s *Store) SyncedIDs(ctx context.Context, t schema.Table) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM records WHERE table_name = ? AND sync_state = 'synced' ORDER BY id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query synced ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StateCounts tallies records by sync state.
type StateCounts struct {
	Pending   int
	Syncing   int
	Synced    int
	Failed    int
	Exhausted int
}

// Dirty returns the number of records with unacknowledged local changes.
func (c StateCounts) Dirty() int {
	return c.Pending + c.Syncing + c.Failed
}

// Counts tallies every record by state. Exhausted counts failed records
// with no retry budget left.
func (s *Store) Counts(ctx context.Context, maxRetries int) (StateCounts, error) {
	var c StateCounts
	rows, err := s.conn.QueryContext(ctx, `
		SELECT sync_state, COUNT(*), SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END)
		FROM records GROUP BY sync_state`, maxRetries)
	if err != nil {
		return c, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state            string
			count, exhausted int
		)
		if err := rows.Scan(&state, &count, &exhausted); err != nil {
			return c, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch schema.SyncState(state) {
		case schema.SyncPending:
			c.Pending = count
		case schema.SyncSyncing:
			c.Syncing = count
		case schema.SyncSynced:
			c.Synced = count
		case schema.SyncFailed:
			c.Failed = count
			c.Exhausted = exhausted
		}
	}
	return c, rows.Err()
}
