package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// ErrMalformedPayload is returned for payloads that cannot be interpreted
// as a change event at all.
var ErrMalformedPayload = errors.New("malformed realtime payload")

// UnknownTableError is a payload for a table this client does not sync.
// It matches both ErrMalformedPayload and schema.ErrUnknownVariant.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("%v: unknown table %q", ErrMalformedPayload, e.Table)
}

func (e *UnknownTableError) Unwrap() []error {
	return []error{ErrMalformedPayload, schema.ErrUnknownVariant}
}

// Metadata keys injected by the broadcast trigger.
const (
	originKey  = "_origin_user_id"
	versionKey = "_event_version"

	// tableKey names the payload field in unknown-table diagnostics.
	tableKey = "table"
)

// SupportedVersion is the newest event version this package understands.
// Newer versions are applied best-effort with a diagnostic.
const SupportedVersion = 1

// EventType is the kind of write an event describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one decoded broadcast.
type ChangeEvent struct {
	Table     schema.Table
	Type      EventType
	Record    dto.Row
	OldRecord dto.Row

	// Origin is the user whose write caused the event, or nil for
	// system-originated changes.
	Origin  *string
	Version int
}

// ID returns the id of the affected record.
func (e *ChangeEvent) ID() string {
	if id := e.Record.ID(); id != "" {
		return id
	}
	return e.OldRecord.ID()
}

type wireEvent struct {
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ParseChangeEvent decodes a broadcast payload and strips the trigger
// metadata from both row images.
func ParseChangeEvent(data []byte) (*ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	table, err := schema.ParseTable(w.Table)
	if err != nil {
		return nil, &UnknownTableError{Table: w.Table}
	}

	op, err := schema.ParseOperation(w.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, w.Type)
	}
	ev := &ChangeEvent{
		Table:   table,
		Type:    EventType(strings.ToUpper(string(op))),
		Version: SupportedVersion,
	}
	if ev.Record, err = parseRow(w.Record); err != nil {
		return nil, err
	}
	if ev.OldRecord, err = parseRow(w.OldRecord); err != nil {
		return nil, err
	}

	switch ev.Type {
	case EventInsert, EventUpdate:
		if ev.Record == nil {
			return nil, fmt.Errorf("%w: %s event without record", ErrMalformedPayload, ev.Type)
		}
	case EventDelete:
		if ev.OldRecord == nil {
			return nil, fmt.Errorf("%w: DELETE event without old_record", ErrMalformedPayload)
		}
	}

	// The trigger stamps whichever image it sends; prefer the new one.
	for _, row := range []dto.Row{ev.OldRecord, ev.Record} {
		if row == nil {
			continue
		}
		if origin, ok := row[originKey].(string); ok && origin != "" {
			ev.Origin = &origin
		}
		if v, ok := row[versionKey]; ok {
			ev.Version = parseVersion(v)
		}
		delete(row, originKey)
		delete(row, versionKey)
	}

	if ev.ID() == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, dto.ErrMissingID)
	}
	return ev, nil
}

func parseRow(raw json.RawMessage) (dto.Row, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	row, err := dto.UnmarshalRow(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return row, nil
}

// parseVersion reads the event version, returning 0 when it is not a
// positive integer.
func parseVersion(v any) int {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return x
	default:
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0
	}
	return n
}
