package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/remote/remotetest"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

type fixture struct {
	srv    *remotetest.Server
	store  *store.Store
	proc   *Processor
	diags  *dto.DiagnosticReporter
	events <-chan []byte
}

func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := remotetest.NewServer(time.Now())
	events, cancel := srv.Subscribe()
	t.Cleanup(cancel)

	diags := dto.NewDiagnosticReporter(logger)
	proc := NewProcessor(st, diags, logger)
	proc.SetUser(userID)
	return &fixture{srv: srv, store: st, proc: proc, diags: diags, events: events}
}

// next returns the next broadcast payload.
func (f *fixture) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.events:
		return data
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
		return nil
	}
}

func (f *fixture) upsert(t *testing.T, userID string, table schema.Table, fields dto.Row, isNew bool) {
	t.Helper()
	_, err := f.srv.Client(userID).Upsert(context.Background(), remote.Change{
		Table: table, ID: fields.ID(), Fields: fields, New: isNew,
	})
	require.NoError(t, err)
}

func TestHandle_AppliesOtherUsersChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "Stage kitchen", "status": "open", "priority": 1}, true)

	outcome, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec, err := f.store.Get(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, rec.Meta.State)
	assert.Equal(t, "Stage kitchen", rec.Row["title"])
	assert.NotContains(t, rec.Row, originKey)
}

func TestHandle_SystemOriginNeverSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-a")

	_, err := f.srv.SystemWrite(schema.TableUsers, dto.Row{"id": "u1", "name": "Migrated", "email": "m@example.com", "role": "agent"})
	require.NoError(t, err)

	outcome, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestHandle_SelfEchoDoesNotTouchLocalRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-a")

	task := &schema.Task{Title: "mine", Status: schema.TaskStatusOpen}
	_, err := f.store.Save(ctx, task)
	require.NoError(t, err)

	// The upload is in flight when its own broadcast arrives.
	rec, err := f.store.MarkSyncing(ctx, schema.TableTasks, task.ID)
	require.NoError(t, err)
	server, err := f.srv.Client("user-a").Upsert(ctx, remote.Change{
		Table: schema.TableTasks, ID: task.ID, Fields: rec.UploadPayload(), New: true,
	})
	require.NoError(t, err)

	echo := f.next(t)
	outcome, err := f.proc.HandleRaw(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedEcho, outcome)

	after, err := f.store.Get(ctx, schema.TableTasks, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSyncing, after.Meta.State)
	assert.Equal(t, rec.Meta.Rev, after.Meta.Rev)

	// A late echo of an acknowledged write is still redundant.
	ok, err := f.store.AckUpload(ctx, schema.TableTasks, task.ID, rec.Meta.Rev, server)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err = f.proc.HandleRaw(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedEcho, outcome)
}

func TestHandle_SameUserOtherDeviceApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-a")

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t9", "title": "from phone", "status": "open", "priority": 0}, true)

	outcome, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "a record this device has never seen is not an echo")
}

func TestHandle_NeverOverwritesDirtyRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "v1", "status": "open", "priority": 0}, true)
	_, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)

	ent, err := f.store.GetEntity(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	local := ent.(*schema.Task)
	local.Title = "local edit"
	_, err = f.store.Save(ctx, local)
	require.NoError(t, err)

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "v2"}, false)
	outcome, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedDirty, outcome)

	rec, err := f.store.Get(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, rec.Meta.State)
	assert.Equal(t, "local edit", rec.Row["title"])
}

func TestHandle_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	f.upsert(t, "user-a", schema.TableListings, dto.Row{"id": "l1", "title": "Loft", "address": "1 Main", "stage": "active", "price": 100000}, true)
	data := f.next(t)

	_, err := f.proc.HandleRaw(ctx, data)
	require.NoError(t, err)
	first, err := f.store.Get(ctx, schema.TableListings, "l1")
	require.NoError(t, err)

	outcome, err := f.proc.HandleRaw(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	second, err := f.store.Get(ctx, schema.TableListings, "l1")
	require.NoError(t, err)

	assert.Equal(t, first.Row, second.Row)
	assert.Equal(t, first.Meta, second.Meta)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
}

func TestHandle_StaleEventIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "v1", "status": "open", "priority": 0}, true)
	older := f.next(t)
	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "v2"}, false)
	newer := f.next(t)

	outcome, err := f.proc.HandleRaw(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.proc.HandleRaw(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)

	rec, err := f.store.Get(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Row["title"])
}

func TestHandle_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": "t1", "title": "gone soon", "status": "open", "priority": 0}, true)
	_, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)

	origin := "user-a"
	f.srv.Delete(schema.TableTasks, "t1", &origin)
	outcome, err := f.proc.HandleRaw(ctx, f.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	_, err = f.store.Get(ctx, schema.TableTasks, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_UnknownEnumFallsBackOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	for _, id := range []string{"t1", "t2"} {
		f.upsert(t, "user-a", schema.TableTasks, dto.Row{"id": id, "title": "x", "status": "archived", "priority": 0}, true)
		outcome, err := f.proc.HandleRaw(ctx, f.next(t))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}

	d := dto.Diagnostic{Table: schema.TableTasks, Field: "status", Raw: "archived", Fallback: string(schema.DefaultTaskStatus)}
	assert.Equal(t, 2, f.diags.Count(d))
	assert.Equal(t, 1, f.diags.Distinct())

	ent, err := f.store.GetEntity(ctx, schema.TableTasks, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusOpen, ent.(*schema.Task).Status)
}

func TestHandle_UnknownVersionReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-b")

	data := []byte(`{"table":"users","type":"INSERT","record":{"id":"u1","name":"N","email":"n@x","role":"agent","_event_version":3}}`)
	outcome, err := f.proc.HandleRaw(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, f.diags.Count(dto.Diagnostic{Table: schema.TableUsers, Field: versionKey, Raw: "3", Fallback: "1"}))
}

func TestHandleRaw_MalformedIgnored(t *testing.T) {
	f := newFixture(t, "user-b")
	outcome, err := f.proc.HandleRaw(context.Background(), []byte(`garbage`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestHandleRaw_UnknownTableReportedOnce(t *testing.T) {
	f := newFixture(t, "user-b")
	data := []byte(`{"table":"invoices","type":"INSERT","record":{"id":"x"}}`)

	for range 3 {
		outcome, err := f.proc.HandleRaw(context.Background(), data)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	}

	d := dto.Diagnostic{Field: tableKey, Raw: "invoices", Fallback: string(OutcomeIgnored)}
	assert.Equal(t, 3, f.diags.Count(d))
	assert.Equal(t, 1, f.diags.Distinct())
}
