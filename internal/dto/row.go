package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Row is a record in the remote row format.
type Row map[string]any

// ID returns the row's primary key, or "" if it has none.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Time reads a timestamp column. ok is false when the column is null,
// absent or unparseable.
func (r Row) Time(col string) (time.Time, bool) {
	v, present := r[col]
	if !present || v == nil {
		return time.Time{}, false
	}
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// String reads a text column.
func (r Row) String(col string) (string, bool) {
	s, ok := r[col].(string)
	return s, ok
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UnmarshalRow decodes a JSON object, keeping numbers as json.Number so
// integers and decimals survive the round trip unchanged.
func UnmarshalRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

var columns = map[schema.Table][]string{
	schema.TableUsers:       {"name", "email", "role", "avatar_url"},
	schema.TableListings:    {"title", "address", "price", "stage", "owner_id"},
	schema.TableProperties:  {"listing_id", "address", "bedrooms", "square_feet"},
	schema.TableTasks:       {"title", "description", "status", "priority", "listing_id", "assignee_id", "due_at"},
	schema.TableActivities:  {"task_id", "listing_id", "kind", "body", "occurred_at", "created_by"},
	schema.TableNotes:       {"parent_table", "parent_id", "body", "author_id"},
	schema.TableAssignments: {"task_id", "user_id", "assigned_by", "reason", "unassigned_at"},
}

var baseColumns = []string{"id", "created_at", "updated_at", "deleted_at"}

// Columns returns every column of table t, base columns first.
func Columns(t schema.Table) []string {
	cols := make([]string, 0, len(baseColumns)+len(columns[t]))
	cols = append(cols, baseColumns...)
	return append(cols, columns[t]...)
}

var timeColumns = map[string]bool{
	"created_at":    true,
	"updated_at":    true,
	"deleted_at":    true,
	"due_at":        true,
	"occurred_at":   true,
	"unassigned_at": true,
}

// IsTimeColumn reports whether col holds a timestamp.
func IsTimeColumn(col string) bool {
	return timeColumns[col]
}
