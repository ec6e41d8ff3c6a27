package dto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

func strPtr(s string) *string { return &s }

func newTask() *schema.Task {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schema.Task{
		Syncable: schema.Syncable{ID: "task-1", CreatedAt: now, UpdatedAt: now},
		Title:    "Call seller",
		Status:   schema.TaskStatusOpen,
		Priority: 2,
	}
}

func TestEncode_ExplicitNulls(t *testing.T) {
	row, err := Encode(newTask())
	require.NoError(t, err)

	for _, col := range Columns(schema.TableTasks) {
		_, ok := row[col]
		assert.True(t, ok, "column %s must be present", col)
	}
	assert.Nil(t, row["assignee_id"])
	assert.Nil(t, row["deleted_at"])

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"assignee_id":null`)
}

func TestDecode_RoundTrip(t *testing.T) {
	task := newTask()
	task.AssigneeID = strPtr("user-1")
	row, err := Encode(task)
	require.NoError(t, err)

	e, diags, err := Decode(schema.TableTasks, row)
	require.NoError(t, err)
	assert.Empty(t, diags)

	got := e.(*schema.Task)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, "user-1", *got.AssigneeID)
	assert.True(t, task.UpdatedAt.Equal(got.UpdatedAt))
}

func TestDecode_EnumFallback(t *testing.T) {
	row := Row{
		"id":         "task-2",
		"title":      "Stage photos",
		"status":     "archived",
		"priority":   json.Number("1"),
		"updated_at": "2024-03-01 12:00:00.123456+00",
	}

	e, diags, err := Decode(schema.TableTasks, row)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, Diagnostic{Table: schema.TableTasks, Field: "status", Raw: "archived", Fallback: "open"}, diags[0])

	task := e.(*schema.Task)
	assert.Equal(t, schema.TaskStatusOpen, task.Status)
	assert.Equal(t, 1, task.Priority)
	assert.Equal(t, 123456000, task.UpdatedAt.Nanosecond())
}

func TestDecode_MissingEnumUsesDefault(t *testing.T) {
	e, diags, err := Decode(schema.TableUsers, Row{"id": "u1", "name": "Ana"})
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Equal(t, schema.UserRoleViewer, e.(*schema.User).Role)
}

func TestDecode_BadTimestamp(t *testing.T) {
	e, diags, err := Decode(schema.TableTasks, Row{"id": "t", "due_at": "next tuesday"})
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "due_at", diags[0].Field)
	assert.Nil(t, e.(*schema.Task).DueAt)
}

func TestDecode_MissingID(t *testing.T) {
	_, _, err := Decode(schema.TableTasks, Row{"title": "x"})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestPatch(t *testing.T) {
	task := newTask()
	task.AssigneeID = strPtr("user-1")
	base, err := Encode(task)
	require.NoError(t, err)

	t.Run("new record sends full row", func(t *testing.T) {
		assert.Equal(t, base, Patch(nil, base))
	})

	t.Run("only changed columns", func(t *testing.T) {
		task.Title = "Call buyer"
		task.UpdatedAt = task.UpdatedAt.Add(time.Minute)
		full, err := Encode(task)
		require.NoError(t, err)

		assert.Equal(t, Row{"id": "task-1", "title": "Call buyer"}, Patch(base, full))
	})

	t.Run("cleared field is explicit null", func(t *testing.T) {
		task.AssigneeID = nil
		full, err := Encode(task)
		require.NoError(t, err)

		patch := Patch(base, full)
		v, ok := patch["assignee_id"]
		assert.True(t, ok)
		assert.Nil(t, v)
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		a, b  any
		equal bool
	}{
		{nil, "", true},
		{true, "true", true},
		{json.Number("250000"), float64(250000), true},
		{0.1 + 0.2, 0.3, true},
		{json.Number("2"), 2, true},
		{"2024-03-01T12:00:00Z", "2024-03-01 12:00:00+00", true},
		{"open", "closed", false},
		{12.5, 12.51, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.equal, Equal(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
	}
}

func TestDiagnosticReporter_LogsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewDiagnosticReporter(zap.New(core))

	d := Diagnostic{Table: schema.TableTasks, Field: "status", Raw: "archived", Fallback: "open"}
	r.Report(d)
	r.Report(d, d)
	r.Report(Diagnostic{Table: schema.TableUsers, Field: "role", Raw: "owner", Fallback: "viewer"})

	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, 3, r.Count(d))
	assert.Equal(t, 2, r.Distinct())
}

func TestParseTime(t *testing.T) {
	for _, raw := range []string{
		"2024-03-01T12:00:00Z",
		"2024-03-01T12:00:00.5+00:00",
		"2024-03-01 12:00:00+00",
		"2024-03-01 12:00:00",
	} {
		got, err := ParseTime(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, 2024, got.Year())
		assert.Equal(t, time.UTC, got.Location())
	}
	_, err := ParseTime(42)
	assert.Error(t, err)
}
