package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Syncable carries the fields every synchronized record shares.
type Syncable struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Sync is owned by the local store and the sync engine. It is never
	// part of the record payload.
	Sync SyncMeta `json:"-"`
}

// Base returns the embedded Syncable so any entity can expose it through
// the Entity interface.
func (s *Syncable) Base() *Syncable {
	return s
}

// IsDeleted reports whether the record carries a soft-delete marker.
func (s *Syncable) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Entity is implemented by every syncable record type.
type Entity interface {
	Table() Table
	Base() *Syncable
}

// NewID returns a fresh client-side record identifier.
func NewID() string {
	return uuid.NewString()
}

// New returns a zero value entity for table t, ready to be decoded into.
func New(t Table) (Entity, error) {
	switch t {
	case TableUsers:
		return &User{}, nil
	case TableListings:
		return &Listing{}, nil
	case TableProperties:
		return &Property{}, nil
	case TableTasks:
		return &Task{}, nil
	case TableActivities:
		return &Activity{}, nil
	case TableNotes:
		return &Note{}, nil
	case TableAssignments:
		return &Assignment{}, nil
	}
	return nil, fmt.Errorf("%w: table %q", ErrUnknownVariant, t)
}
