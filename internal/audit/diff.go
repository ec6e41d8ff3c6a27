package audit

import (
	"slices"
	"strings"

	"github.com/mschirtzinger/fieldsync/internal/dto"
)

// systemFields never count as user-visible changes.
var systemFields = map[string]bool{
	"id":              true,
	"created_at":      true,
	"updated_at":      true,
	"deleted_at":      true,
	"sync_state":      true,
	"retry_count":     true,
	"last_error":      true,
	"rev":             true,
	"_origin_user_id": true,
	"_event_version":  true,
}

// fieldPriority orders fields when only one can be named. Lower is more
// important; unlisted fields come after, alphabetically.
var fieldPriority = map[string]int{
	"status":      0,
	"stage":       1,
	"price":       2,
	"assignee_id": 3,
	"owner_id":    3,
	"user_id":     3,
	"title":       4,
	"name":        5,
}

// Change is one field that differs between two row images.
type Change struct {
	Field string
	Old   any
	New   any
}

// Diff returns the non-system fields whose normalized values differ,
// most important first. A field missing from one image compares as null.
func Diff(oldRow, newRow dto.Row) []Change {
	var changes []Change
	seen := make(map[string]bool, len(newRow))

	for _, row := range []dto.Row{newRow, oldRow} {
		for field := range row {
			if seen[field] || systemFields[field] {
				continue
			}
			seen[field] = true
			if dto.Equal(oldRow[field], newRow[field]) {
				continue
			}
			changes = append(changes, Change{Field: field, Old: oldRow[field], New: newRow[field]})
		}
	}

	slices.SortFunc(changes, func(a, b Change) int {
		pa, pb := priority(a.Field), priority(b.Field)
		if pa != pb {
			return pa - pb
		}
		return strings.Compare(a.Field, b.Field)
	})
	return changes
}

func priority(field string) int {
	if p, ok := fieldPriority[field]; ok {
		return p
	}
	return len(fieldPriority) + 1
}

// label is the user-facing name of a field.
func label(field string) string {
	switch field {
	case "assignee_id":
		return "assignee"
	case "owner_id":
		return "owner"
	case "due_at":
		return "due date"
	case "occurred_at":
		return "date"
	case "avatar_url":
		return "avatar"
	}
	field = strings.TrimSuffix(field, "_id")
	return strings.ReplaceAll(field, "_", " ")
}

// isReference reports whether a field holds another record's id, which
// would be meaningless in a sentence.
func isReference(field string) bool {
	return strings.HasSuffix(field, "_id")
}
