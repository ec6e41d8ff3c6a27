// Package remote talks to the authoritative relational backend.
//
// Two implementations of Backend are provided: RESTBackend speaks the
// PostgREST dialect over HTTPS and PostgresBackend connects directly with
// pgx. Both attribute every write to the session user so the server's
// broadcast trigger can stamp events with their origin.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Change is one record upload.
type Change struct {
	Table schema.Table
	ID    string

	// Fields holds the columns to write. For an existing record only the
	// changed columns are present; cleared columns are explicit nulls.
	Fields dto.Row

	// New is true when the server has never acknowledged the record. New
	// records are inserted, merging on id conflict so a retried insert whose
	// response was lost is harmless. Existing records are patched by id.
	New bool
}

// Backend is the remote store as the sync engine sees it.
type Backend interface {
	// Upsert writes a change and returns the full row as stored.
	Upsert(ctx context.Context, ch Change) (dto.Row, error)

	// FetchSince returns one page of rows with updated_at strictly after
	// since, ordered by updated_at then id.
	FetchSince(ctx context.Context, t schema.Table, since time.Time, limit, offset int) ([]dto.Row, error)

	// FetchIDs returns every id currently in table t.
	FetchIDs(ctx context.Context, t schema.Table) ([]string, error)

	AuditHistory(ctx context.Context, q AuditQuery) ([]AuditRow, error)
	ClaimHistory(ctx context.Context, taskID string) ([]ClaimRow, error)
	StatusHistory(ctx context.Context, taskID string) ([]StatusRow, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// AuditQuery selects change-log rows. An empty Table means every tracked
// table; an empty RecordID means every record in scope.
type AuditQuery struct {
	Table    schema.Table
	RecordID string
	Limit    int
}

// AuditRow is one row of the append-only change log, newest first.
type AuditRow struct {
	AuditID     FlexibleID `json:"audit_id"`
	Action      string     `json:"action"`
	ChangedAt   time.Time  `json:"changed_at"`
	ChangedBy   *string    `json:"changed_by,omitempty"`
	RecordPK    string     `json:"record_pk"`
	OldRow      dto.Row    `json:"old_row,omitempty"`
	NewRow      dto.Row    `json:"new_row,omitempty"`
	TableSchema string     `json:"table_schema"`
	TableName   string     `json:"table_name"`
}

// ClaimRow records a task being claimed, assigned, released or unassigned.
type ClaimRow struct {
	ID        FlexibleID `json:"id"`
	TaskID    string     `json:"task_id"`
	UserID    string     `json:"user_id"`
	Action    string     `json:"action"`
	ActorID   *string    `json:"actor_id,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StatusRow records a task status transition.
type StatusRow struct {
	ID         FlexibleID `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus *string    `json:"from_status,omitempty"`
	ToStatus   string     `json:"to_status"`
	ChangedBy  *string    `json:"changed_by,omitempty"`
	Reason     *string    `json:"reason,omitempty"`
	ChangedAt  time.Time  `json:"changed_at"`
}

// FlexibleID is an identifier the server may send as a JSON string or number.
type FlexibleID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// Int returns the id as an integer, or 0 if it is not numeric.
func (id FlexibleID) Int() int64 {
	n, _ := strconv.ParseInt(string(id), 10, 64)
	return n
}
