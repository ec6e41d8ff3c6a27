package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/remote/remotetest"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

func setupHistory(t *testing.T) (*remotetest.Server, *History) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := remotetest.NewServer(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	for _, u := range []dto.Row{
		{"id": "user-a", "name": "Ana", "email": "ana@example.com", "role": "agent"},
		{"id": "user-b", "name": "Ben", "email": "ben@example.com", "role": "agent"},
	} {
		row := srv.Seed(schema.TableUsers, u)
		_, err := st.ApplyRemote(ctx, schema.TableUsers, row)
		require.NoError(t, err)
	}
	return srv, NewHistory(srv.Client("user-a"), st, nil, nil)
}

func TestHistory_ForEntity(t *testing.T) {
	ctx := context.Background()
	srv, h := setupHistory(t)
	ana := srv.Client("user-a")

	_, err := ana.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1", New: true,
		Fields: dto.Row{"title": "Photos", "status": "open", "priority": 1}})
	require.NoError(t, err)
	_, err = ana.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1",
		Fields: dto.Row{"status": "done"}})
	require.NoError(t, err)
	_, err = srv.Client("user-z").Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1",
		Fields: dto.Row{"title": "Photos and video"}})
	require.NoError(t, err)

	items, err := h.ForEntity(ctx, schema.TableTasks, "t1", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "user-z changed title from Photos to Photos and video", items[0].Summary, "unknown users are shown by id")
	assert.Equal(t, "Ana changed status to done", items[1].Summary)
	assert.Equal(t, "Ana created this task", items[2].Summary)
	assert.True(t, items[0].At.After(items[1].At))
}

func TestHistory_Assignments(t *testing.T) {
	ctx := context.Background()
	srv, h := setupHistory(t)

	_, err := srv.Client("user-a").Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1", New: true,
		Fields: dto.Row{"title": "Open house", "status": "open", "priority": 0}})
	require.NoError(t, err)
	_, err = srv.Client("user-a").Upsert(ctx, remote.Change{Table: schema.TableAssignments, ID: "as1", New: true,
		Fields: dto.Row{"task_id": "t1", "user_id": "user-b", "assigned_by": "user-a"}})
	require.NoError(t, err)
	_, err = srv.Client("user-b").Upsert(ctx, remote.Change{Table: schema.TableAssignments, ID: "as1",
		Fields: dto.Row{"unassigned_at": "2024-03-02T10:00:00Z"}})
	require.NoError(t, err)

	items, err := h.ForEntity(ctx, schema.TableAssignments, "as1", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Ben removed themselves", items[0].Summary)
	assert.Equal(t, "Ana assigned Ben", items[1].Summary)
}

func TestHistory_ForTask(t *testing.T) {
	ctx := context.Background()
	srv, h := setupHistory(t)
	ana := srv.Client("user-a")

	_, err := ana.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1", New: true,
		Fields: dto.Row{"title": "Inspection", "status": "open", "priority": 0}})
	require.NoError(t, err)
	_, err = ana.Upsert(ctx, remote.Change{Table: schema.TableAssignments, ID: "as1", New: true,
		Fields: dto.Row{"task_id": "t1", "user_id": "user-a", "assigned_by": "user-a", "reason": "nearby"}})
	require.NoError(t, err)
	_, err = ana.Upsert(ctx, remote.Change{Table: schema.TableTasks, ID: "t1",
		Fields: dto.Row{"status": "in_progress"}})
	require.NoError(t, err)

	items, err := h.ForTask(ctx, "t1")
	require.NoError(t, err)

	summaries := make([]string, len(items))
	for i, it := range items {
		summaries[i] = it.Summary
	}
	assert.Equal(t, []string{
		"Ana changed status to in progress",
		"Ana claimed this (nearby)",
		"Ana changed status to open",
	}, summaries)
}

func TestHistory_SourceError(t *testing.T) {
	srv, h := setupHistory(t)
	srv.SetDown(true)

	_, err := h.ForEntity(context.Background(), schema.TableTasks, "t1", 10)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	_, err = h.ForTask(context.Background(), "t1")
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}
