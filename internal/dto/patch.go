package dto

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Patch returns the upload payload for full given base, the last row the
// server acknowledged. It holds the id plus every column whose normalized
// value differs from base. Columns cleared locally therefore appear with an
// explicit null. A nil base means the record is new and the full row is sent.
//
// updated_at and created_at are server-owned once a record exists and are
// left out of patches for existing records.
func Patch(base, full Row) Row {
	if base == nil {
		return full.Clone()
	}
	patch := Row{"id": full.ID()}
	for col, v := range full {
		if col == "id" || col == "updated_at" || col == "created_at" {
			continue
		}
		old, known := base[col]
		if known && Equal(old, v) {
			continue
		}
		if !known && v == nil {
			continue
		}
		patch[col] = v
	}
	return patch
}

// Equal reports whether two row values are semantically equal.
func Equal(a, b any) bool {
	return Normalize(a) == Normalize(b)
}

// Normalize renders a row value as a comparable string: nil as "", booleans
// as true/false, numbers at fixed precision, timestamps in UTC RFC 3339 and
// anything structured as JSON.
func Normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if t, err := ParseTime(x); err == nil && len(x) >= len("2006-01-02 15:04") {
			return FormatTime(t)
		}
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return formatFloat(f)
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return FormatTime(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}
