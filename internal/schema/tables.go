package schema

import "fmt"

// Table names a remote table and its matching local collection.
type Table string

const (
	TableUsers       Table = "users"
	TableListings    Table = "listings"
	TableProperties  Table = "properties"
	TableTasks       Table = "tasks"
	TableActivities  Table = "activities"
	TableNotes       Table = "notes"
	TableAssignments Table = "assignments"
)

// UploadOrder is the fixed dependency order used by upload and download
// phases. Parent tables come before the tables that reference them.
var UploadOrder = []Table{
	TableUsers,
	TableListings,
	TableProperties,
	TableTasks,
	TableActivities,
	TableNotes,
	TableAssignments,
}

// ParseTable validates a raw table name.
func ParseTable(raw string) (Table, error) {
	t := Table(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: table %q", ErrUnknownVariant, raw)
	}
	return t, nil
}

// IsValid reports whether t is one of the synced tables.
func (t Table) IsValid() bool {
	for _, known := range UploadOrder {
		if t == known {
			return true
		}
	}
	return false
}

// IsRelationship reports whether records of t describe a relationship
// between other records rather than a standalone entity.
func (t Table) IsRelationship() bool {
	return t == TableNotes || t == TableAssignments
}

// DisplayName returns the singular noun used in user-facing text.
func (t Table) DisplayName() string {
	switch t {
	case TableUsers:
		return "user"
	case TableListings:
		return "listing"
	case TableProperties:
		return "property"
	case TableTasks:
		return "task"
	case TableActivities:
		return "activity"
	case TableNotes:
		return "note"
	case TableAssignments:
		return "assignment"
	default:
		return "record"
	}
}

// String implements fmt.Stringer.
func (t Table) String() string {
	return string(t)
}
