package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

func ptr(s string) *string { return &s }

func update(oldRow, newRow dto.Row) Entry {
	return Entry{Action: schema.AuditUpdate, ChangedBy: ptr("u1"), OldRow: oldRow, NewRow: newRow}
}

func TestSummarize_Update(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		table schema.Table
		want  string
	}{
		{
			name:  "status",
			entry: update(dto.Row{"status": "open"}, dto.Row{"status": "closed"}),
			table: schema.TableTasks,
			want:  "Ana changed status to closed",
		},
		{
			name:  "status with underscore",
			entry: update(dto.Row{"status": "open"}, dto.Row{"status": "in_progress"}),
			table: schema.TableTasks,
			want:  "Ana changed status to in progress",
		},
		{
			name:  "stage",
			entry: update(dto.Row{"stage": "active"}, dto.Row{"stage": "pending"}),
			table: schema.TableListings,
			want:  "Ana changed stage to pending",
		},
		{
			name:  "plain field",
			entry: update(dto.Row{"title": "Old"}, dto.Row{"title": "New"}),
			table: schema.TableTasks,
			want:  "Ana changed title from Old to New",
		},
		{
			name:  "cleared field",
			entry: update(dto.Row{"description": "Lockbox 1234"}, dto.Row{"description": nil}),
			table: schema.TableTasks,
			want:  "Ana cleared description",
		},
		{
			name:  "set date",
			entry: update(dto.Row{"due_at": nil}, dto.Row{"due_at": "2024-05-01T09:00:00Z"}),
			table: schema.TableTasks,
			want:  "Ana set due date to May 1, 2024",
		},
		{
			name:  "reference",
			entry: update(dto.Row{"assignee_id": "u1"}, dto.Row{"assignee_id": "u2"}),
			table: schema.TableTasks,
			want:  "Ana changed the assignee",
		},
		{
			name:  "two fields",
			entry: update(dto.Row{"title": "a", "priority": 1}, dto.Row{"title": "b", "priority": 2}),
			table: schema.TableTasks,
			want:  "Ana changed title and priority",
		},
		{
			name: "three fields",
			entry: update(
				dto.Row{"status": "open", "title": "a", "description": "x"},
				dto.Row{"status": "done", "title": "b", "description": "y"},
			),
			table: schema.TableTasks,
			want:  "Ana changed status, title and description",
		},
		{
			name: "many fields",
			entry: update(
				dto.Row{"status": "open", "title": "a", "description": "x", "priority": 1, "due_at": nil},
				dto.Row{"status": "done", "title": "b", "description": "y", "priority": 2, "due_at": "2024-05-01T00:00:00Z"},
			),
			table: schema.TableTasks,
			want:  "Ana changed status and 4 other fields",
		},
		{
			name:  "price outranks title",
			entry: update(dto.Row{"price": 1, "title": "a", "address": "x", "owner_id": nil}, dto.Row{"price": 2, "title": "b", "address": "y", "owner_id": "u1"}),
			table: schema.TableListings,
			want:  "Ana changed price and 3 other fields",
		},
		{
			name:  "touch only",
			entry: update(dto.Row{"id": "t1", "updated_at": "2024-01-01T00:00:00Z"}, dto.Row{"id": "t1", "updated_at": "2024-01-02T00:00:00Z"}),
			table: schema.TableTasks,
			want:  "Ana made changes to this task",
		},
		{
			name:  "number precision noise",
			entry: update(dto.Row{"price": json.Number("100.001")}, dto.Row{"price": 99.999}),
			table: schema.TableListings,
			want:  "Ana made changes to this listing",
		},
		{
			name:  "missing key equals null",
			entry: update(dto.Row{}, dto.Row{"avatar_url": nil}),
			table: schema.TableUsers,
			want:  "Ana made changes to this user",
		},
		{
			name:  "soft delete",
			entry: update(dto.Row{"deleted_at": nil}, dto.Row{"deleted_at": "2024-01-02T00:00:00Z"}),
			table: schema.TableTasks,
			want:  "Ana deleted this task",
		},
		{
			name:  "restore",
			entry: update(dto.Row{"deleted_at": "2024-01-02T00:00:00Z"}, dto.Row{"deleted_at": nil}),
			table: schema.TableProperties,
			want:  "Ana restored this property",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.entry, "Ana", tt.table))
		})
	}
}

func TestSummarize_NoOpNotReported(t *testing.T) {
	got := Summarize(update(dto.Row{"status": "open"}, dto.Row{"status": "closed"}), "Ana", schema.TableTasks)
	assert.Contains(t, got, "closed")
	assert.NotContains(t, got, "open")
}

func TestSummarize_Actions(t *testing.T) {
	assert.Equal(t, "Ana created this listing", Summarize(Entry{Action: schema.AuditInsert}, "Ana", schema.TableListings))
	assert.Equal(t, "Ana deleted this activity", Summarize(Entry{Action: schema.AuditDelete}, "Ana", schema.TableActivities))
	assert.Equal(t, "Ana restored this task", Summarize(Entry{Action: schema.AuditRestore}, "Ana", schema.TableTasks))
	assert.Equal(t, "Someone created this user", Summarize(Entry{Action: schema.AuditInsert}, "", schema.TableUsers))
}

func TestSummarize_Relationships(t *testing.T) {
	assignment := dto.Row{"id": "a1", "task_id": "t1", "user_id": "u1", "unassigned_at": nil}
	unassigned := dto.Row{"id": "a1", "task_id": "t1", "user_id": "u1", "unassigned_at": "2024-03-01T00:00:00Z"}

	tests := []struct {
		name  string
		entry Entry
		table schema.Table
		want  string
	}{
		{
			name:  "claim",
			entry: Entry{Action: schema.AuditInsert, ChangedBy: ptr("u1"), NewRow: assignment},
			table: schema.TableAssignments,
			want:  "Ana claimed this",
		},
		{
			name:  "assign",
			entry: Entry{Action: schema.AuditInsert, ChangedBy: ptr("u2"), NewRow: assignment, SubjectName: "Ben"},
			table: schema.TableAssignments,
			want:  "Ana assigned Ben",
		},
		{
			name:  "assign unknown subject",
			entry: Entry{Action: schema.AuditInsert, ChangedBy: ptr("u2"), NewRow: assignment},
			table: schema.TableAssignments,
			want:  "Ana assigned someone",
		},
		{
			name:  "unassign self",
			entry: Entry{Action: schema.AuditUpdate, ChangedBy: ptr("u1"), OldRow: assignment, NewRow: unassigned},
			table: schema.TableAssignments,
			want:  "Ana removed themselves",
		},
		{
			name:  "unassign other",
			entry: Entry{Action: schema.AuditDelete, ChangedBy: ptr("u2"), OldRow: assignment, SubjectName: "Ben"},
			table: schema.TableAssignments,
			want:  "Ana unassigned Ben",
		},
		{
			name:  "system assignment",
			entry: Entry{Action: schema.AuditInsert, NewRow: assignment, SubjectName: "Ben"},
			table: schema.TableAssignments,
			want:  "Ana assigned Ben",
		},
		{
			name:  "note added",
			entry: Entry{Action: schema.AuditInsert, NewRow: dto.Row{"body": "hi"}},
			table: schema.TableNotes,
			want:  "Ana added a note",
		},
		{
			name:  "note edited",
			entry: update(dto.Row{"body": "hi"}, dto.Row{"body": "hello"}),
			table: schema.TableNotes,
			want:  "Ana edited a note",
		},
		{
			name:  "note soft deleted",
			entry: update(dto.Row{"deleted_at": nil}, dto.Row{"deleted_at": "2024-03-01T00:00:00Z"}),
			table: schema.TableNotes,
			want:  "Ana deleted a note",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.entry, "Ana", tt.table))
		})
	}
}

func TestSummarizeClaim(t *testing.T) {
	tests := []struct {
		name string
		ev   ClaimEvent
		want string
	}{
		{"claimed", ClaimEvent{Action: ClaimClaimed, UserID: "u1", ActorID: ptr("u1")}, "Ana claimed this"},
		{"assigned", ClaimEvent{Action: ClaimAssigned, UserID: "u2", ActorID: ptr("u1")}, "Ana assigned Ben"},
		{"released", ClaimEvent{Action: ClaimReleased, UserID: "u1", ActorID: ptr("u1")}, "Ana removed themselves"},
		{"unassigned", ClaimEvent{Action: ClaimUnassigned, UserID: "u2", ActorID: ptr("u1"), Reason: "on leave"}, "Ana unassigned Ben (on leave)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummarizeClaim(tt.ev, "Ana", "Ben"))
		})
	}
}

func TestSummarizeStatusChange(t *testing.T) {
	sc := StatusChange{From: "open", To: "in_progress", Reason: " started "}
	assert.Equal(t, "Ana changed status to in progress (started)", SummarizeStatusChange(sc, "Ana"))
	assert.Equal(t, "Someone changed status to done", SummarizeStatusChange(StatusChange{To: "done"}, ""))
}

func TestEntryFromRemote(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e, diags := EntryFromRemote(remote.AuditRow{
		AuditID:   "42",
		Action:    "INSERT",
		ChangedAt: at,
		RecordPK:  "t1",
		NewRow:    dto.Row{"id": "t1"},
		TableName: "tasks",
	})
	assert.Empty(t, diags)
	assert.Equal(t, "42", e.ID)
	assert.Equal(t, schema.AuditInsert, e.Action)
	assert.Equal(t, schema.TableTasks, e.Table)
	assert.Equal(t, "t1", e.RecordID)
	assert.Equal(t, at, e.ChangedAt)

	e, diags = EntryFromRemote(remote.AuditRow{Action: "truncate", TableName: "tasks"})
	assert.Equal(t, schema.AuditUpdate, e.Action)
	assert.Equal(t, []dto.Diagnostic{{Table: schema.TableTasks, Field: "action", Raw: "truncate", Fallback: "update"}}, diags)
}

func TestDiff_Order(t *testing.T) {
	changes := Diff(
		dto.Row{"title": "a", "status": "open", "bedrooms": 2, "rev": 1},
		dto.Row{"title": "b", "status": "done", "bedrooms": 3, "rev": 2},
	)
	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	assert.Equal(t, []string{"status", "title", "bedrooms"}, fields)
}
