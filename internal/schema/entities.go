package schema

import "time"

// User is an account member. Users are parents of nearly every other record.
type User struct {
	Syncable
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Role      UserRole `json:"role"`
	AvatarURL *string  `json:"avatar_url,omitempty"`
}

func (*User) Table() Table { return TableUsers }

// Listing is a marketed unit of work that tasks and properties hang off.
type Listing struct {
	Syncable
	Title   string       `json:"title"`
	Address string       `json:"address"`
	Price   *float64     `json:"price,omitempty"`
	Stage   ListingStage `json:"stage"`
	OwnerID *string      `json:"owner_id,omitempty"`
}

func (*Listing) Table() Table { return TableListings }

// Property is a physical property attached to a listing.
type Property struct {
	Syncable
	ListingID  *string `json:"listing_id,omitempty"`
	Address    string  `json:"address"`
	Bedrooms   *int    `json:"bedrooms,omitempty"`
	SquareFeet *int    `json:"square_feet,omitempty"`
}

func (*Property) Table() Table { return TableProperties }

// Task is a unit of work, optionally tied to a listing and an assignee.
type Task struct {
	Syncable
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	ListingID   *string    `json:"listing_id,omitempty"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

func (*Task) Table() Table { return TableTasks }

// Activity records something that happened against a task or listing.
type Activity struct {
	Syncable
	TaskID     *string      `json:"task_id,omitempty"`
	ListingID  *string      `json:"listing_id,omitempty"`
	Kind       ActivityKind `json:"kind"`
	Body       string       `json:"body"`
	OccurredAt time.Time    `json:"occurred_at"`
	CreatedBy  *string      `json:"created_by,omitempty"`
}

func (*Activity) Table() Table { return TableActivities }

// Note is free text attached to another record.
type Note struct {
	Syncable
	ParentTable Table   `json:"parent_table"`
	ParentID    string  `json:"parent_id"`
	Body        string  `json:"body"`
	AuthorID    *string `json:"author_id,omitempty"`
}

func (*Note) Table() Table { return TableNotes }

// Assignment links a user to a task. AssignedBy equal to UserID means the
// user claimed the task themselves.
type Assignment struct {
	Syncable
	TaskID       string     `json:"task_id"`
	UserID       string     `json:"user_id"`
	AssignedBy   *string    `json:"assigned_by,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	UnassignedAt *time.Time `json:"unassigned_at,omitempty"`
}

func (*Assignment) Table() Table { return TableAssignments }
