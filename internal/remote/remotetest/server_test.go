package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

var start = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func TestClient_FieldLevelMerge(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(start)
	srv.Seed(schema.TableListings, dto.Row{"id": "l1", "title": "Old", "price": 100})

	a := srv.Client("user-a")
	b := srv.Client("user-b")

	_, err := b.Upsert(ctx, remote.Change{Table: schema.TableListings, ID: "l1", Fields: dto.Row{"id": "l1", "price": 200}})
	require.NoError(t, err)
	row, err := a.Upsert(ctx, remote.Change{Table: schema.TableListings, ID: "l1", Fields: dto.Row{"id": "l1", "title": "New"}})
	require.NoError(t, err)

	assert.Equal(t, "New", row["title"])
	assert.Equal(t, 200, row["price"])
}

func TestClient_ForeignKeys(t *testing.T) {
	srv := NewServer(start)
	_, err := srv.Client("u").Upsert(context.Background(), remote.Change{
		Table:  schema.TableAssignments,
		ID:     "as1",
		Fields: dto.Row{"id": "as1", "task_id": "missing", "user_id": "u"},
		New:    true,
	})
	var rej *remote.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.IsForeignKeyViolation())
}

func TestClient_BroadcastCarriesOrigin(t *testing.T) {
	srv := NewServer(start)
	events, cancel := srv.Subscribe()
	defer cancel()

	_, err := srv.Client("user-a").Upsert(context.Background(), remote.Change{
		Table: schema.TableUsers, ID: "u1", Fields: dto.Row{"id": "u1", "name": "Ana"}, New: true,
	})
	require.NoError(t, err)

	payload := <-events
	row, err := dto.UnmarshalRow(payload)
	require.NoError(t, err)
	assert.Equal(t, "INSERT", row["type"])
	record := row["record"].(map[string]any)
	assert.Equal(t, "user-a", record["_origin_user_id"])
}

func TestClient_FetchSincePaging(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(start)
	for _, id := range []string{"a", "b", "c"} {
		srv.Seed(schema.TableUsers, dto.Row{"id": id})
	}
	c := srv.Client("u")

	page, err := c.FetchSince(ctx, schema.TableUsers, time.Time{}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	page, err = c.FetchSince(ctx, schema.TableUsers, time.Time{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = c.FetchSince(ctx, schema.TableUsers, start.Add(time.Millisecond), 10, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestServer_AuditAndHistory(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(start)
	srv.Seed(schema.TableUsers, dto.Row{"id": "u1"})
	c := srv.Client("u1")

	_, err := c.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1", Fields: dto.Row{"id": "t1", "status": "open"}, New: true})
	require.NoError(t, err)
	_, err = c.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1", Fields: dto.Row{"id": "t1", "status": "done"}})
	require.NoError(t, err)
	_, err = c.Upsert(ctx, remote.Change{Table: schema.TableAssignments, ID: "a1",
		Fields: dto.Row{"id": "a1", "task_id": "t1", "user_id": "u1", "assigned_by": "u1"}, New: true})
	require.NoError(t, err)

	audit, err := c.AuditHistory(ctx, remote.AuditQuery{Table: schema.TableTasks, RecordID: "t1"})
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "update", audit[0].Action)
	assert.Equal(t, "insert", audit[1].Action)

	statuses, err := c.StatusHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "done", statuses[0].ToStatus)

	claims, err := c.ClaimHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "claimed", claims[0].Action)
}

func TestServer_Down(t *testing.T) {
	srv := NewServer(start)
	srv.SetDown(true)
	err := srv.Client("u").Ping(context.Background())
	assert.True(t, remote.IsTransient(err))
}
