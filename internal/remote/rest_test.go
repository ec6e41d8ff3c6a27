package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

func newTestBackend(t *testing.T, h http.HandlerFunc) *RESTBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	b, err := NewRESTBackend(RESTConfig{
		URL:            srv.URL,
		APIKey:         "anon",
		AccessToken:    "token",
		UserID:         "user-1",
		RequestTimeout: time.Second,
		MaxElapsed:     3 * time.Second,
	}, nil)
	require.NoError(t, err)
	return b
}

func TestNewRESTBackend_InvalidURL(t *testing.T) {
	_, err := NewRESTBackend(RESTConfig{URL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestRESTUpsert_NewRecord(t *testing.T) {
	var body map[string]any
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/tasks", r.URL.Path)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Equal(t, "resolution=merge-duplicates,return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "user-1", r.Header.Get("X-Origin-User-Id"))

		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		_, _ = w.Write([]byte(`[{"id":"t1","title":"x","assignee_id":null,"updated_at":"2024-01-01T00:00:00Z"}]`))
	})

	row, err := b.Upsert(context.Background(), Change{
		Table:  schema.TableTasks,
		ID:     "t1",
		Fields: dto.Row{"id": "t1", "title": "x", "assignee_id": nil},
		New:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", row.ID())

	v, present := body["assignee_id"]
	assert.True(t, present, "nil fields must be sent as explicit null")
	assert.Nil(t, v)
}

func TestRESTUpsert_PatchExisting(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.t1", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := b.Upsert(context.Background(), Change{
		Table:  schema.TableTasks,
		ID:     "t1",
		Fields: dto.Row{"id": "t1", "title": "y"},
	})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "t1", rej.ID)
}

func TestRESTUpsert_ForeignKeyRejection(t *testing.T) {
	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23503","message":"violates foreign key constraint"}`))
	})

	_, err := b.Upsert(context.Background(), Change{Table: schema.TableAssignments, ID: "a1", Fields: dto.Row{"id": "a1"}, New: true})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.IsForeignKeyViolation())
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, calls.Load(), "rejections are not retried")
}

func TestRESTFetchSince_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "gt.2024-01-01T00:00:00Z", r.URL.Query().Get("updated_at"))
		assert.Equal(t, "updated_at.asc,id.asc", r.URL.Query().Get("order"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"id":"a","price":250000.5}]`))
	})

	rows, err := b.FetchSince(context.Background(), schema.TableListings,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 50, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, json.Number("250000.5"), rows[0]["price"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestRESTFetchIDs_Pages(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "id", r.URL.Query().Get("select"))
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	})

	ids, err := b.FetchIDs(context.Background(), schema.TableTasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRESTAuditHistory(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/audit_history", r.URL.Path)
		var args map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, "t1", args["p_record_id"])
		_, _ = w.Write([]byte(`[{"audit_id":42,"action":"update","changed_at":"2024-01-01T00:00:00Z",
			"record_pk":"t1","old_row":{"status":"open"},"new_row":{"status":"done"},
			"table_schema":"public","table_name":"tasks"}]`))
	})

	rows, err := b.AuditHistory(context.Background(), AuditQuery{Table: schema.TableTasks, RecordID: "t1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, FlexibleID("42"), rows[0].AuditID)
	assert.EqualValues(t, 42, rows[0].AuditID.Int())
	assert.Equal(t, "done", rows[0].NewRow["status"])
}

func TestRESTPing(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.NoError(t, b.Ping(context.Background()))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", ErrUnavailable, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"503", &StatusError{StatusCode: 503}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"401", &StatusError{StatusCode: 401}, false},
		{"rejected", &RejectedError{Code: "23503"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestUpsertSQL(t *testing.T) {
	query, args, err := upsertSQL(Change{
		Table:  schema.TableTasks,
		ID:     "t1",
		Fields: dto.Row{"id": "t1", "title": "x", "assignee_id": nil},
	}, `{}`)
	require.NoError(t, err)
	assert.Contains(t, query, `UPDATE "tasks" AS t SET ("assignee_id", "title")`)
	assert.Equal(t, []any{`{}`, "t1"}, args)

	query, _, err = upsertSQL(Change{Table: schema.TableTasks, ID: "t1", Fields: dto.Row{"id": "t1", "title": "x"}, New: true}, `{}`)
	require.NoError(t, err)
	assert.Contains(t, query, `ON CONFLICT (id) DO UPDATE SET "title" = EXCLUDED."title"`)

	_, _, err = upsertSQL(Change{Table: schema.TableTasks, ID: "t1", Fields: dto.Row{"id": "t1", "bogus": 1}}, `{}`)
	assert.Error(t, err)
}
