package dto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// ErrMissingID is returned when a row has no usable primary key.
var ErrMissingID = errors.New("row has no id")

// Encode converts e to a full remote row. Every column is present; nil
// fields are encoded as explicit nulls.
func Encode(e schema.Entity) (Row, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Table(), err)
	}
	row, err := UnmarshalRow(data)
	if err != nil {
		return nil, err
	}
	for _, col := range Columns(e.Table()) {
		if _, ok := row[col]; !ok {
			row[col] = nil
		}
	}
	return row, nil
}

type enumParser func(string) (string, error)

func enumOf[T ~string](parse func(string) (T, error)) enumParser {
	return func(raw string) (string, error) {
		v, err := parse(raw)
		return string(v), err
	}
}

var enumColumns = map[schema.Table]map[string]enumParser{
	schema.TableUsers:      {"role": enumOf(schema.ParseUserRole)},
	schema.TableListings:   {"stage": enumOf(schema.ParseListingStage)},
	schema.TableTasks:      {"status": enumOf(schema.ParseTaskStatus)},
	schema.TableActivities: {"kind": enumOf(schema.ParseActivityKind)},
}

// Decode converts a remote row into a typed entity. Unknown enum values and
// unparseable timestamps do not fail the row: the field falls back to its
// default and a Diagnostic is returned. Sync metadata on the result is zero.
func Decode(t schema.Table, row Row) (schema.Entity, []Diagnostic, error) {
	e, err := schema.New(t)
	if err != nil {
		return nil, nil, err
	}
	if row.ID() == "" {
		return nil, nil, fmt.Errorf("%w: table %s", ErrMissingID, t)
	}

	clean, diags := normalize(t, row)

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, diags, fmt.Errorf("failed to marshal %s row %s: %w", t, row.ID(), err)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, diags, fmt.Errorf("failed to decode %s row %s: %w", t, row.ID(), err)
	}
	return e, diags, nil
}

func normalize(t schema.Table, row Row) (Row, []Diagnostic) {
	var diags []Diagnostic
	clean := make(Row, len(row))

	for col, v := range row {
		if IsTimeColumn(col) && v != nil {
			parsed, err := ParseTime(v)
			if err != nil {
				diags = append(diags, Diagnostic{Table: t, Field: col, Raw: fmt.Sprint(v), Fallback: "null"})
				continue
			}
			clean[col] = FormatTime(parsed)
			continue
		}
		clean[col] = v
	}

	for col, parse := range enumColumns[t] {
		v, present := clean[col]
		if !present || v == nil {
			fallback, _ := parse("")
			clean[col] = fallback
			continue
		}
		raw, isString := v.(string)
		if !isString {
			raw = fmt.Sprint(v)
		}
		value, err := parse(raw)
		if err != nil {
			diags = append(diags, Diagnostic{Table: t, Field: col, Raw: raw, Fallback: value})
		}
		clean[col] = value
	}

	return clean, diags
}
