package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

func TestParseChangeEvent_StripsMetadata(t *testing.T) {
	data := []byte(`{
		"table": "tasks",
		"type": "UPDATE",
		"record": {"id": "t1", "title": "Call", "assignee_id": null, "_origin_user_id": "u1", "_event_version": 1},
		"old_record": {"id": "t1", "title": "Cal"}
	}`)

	ev, err := ParseChangeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, schema.TableTasks, ev.Table)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, "t1", ev.ID())
	require.NotNil(t, ev.Origin)
	assert.Equal(t, "u1", *ev.Origin)
	assert.Equal(t, 1, ev.Version)

	assert.NotContains(t, ev.Record, originKey)
	assert.NotContains(t, ev.Record, versionKey)
	v, present := ev.Record["assignee_id"]
	assert.True(t, present, "explicit nulls are kept")
	assert.Nil(t, v)
}

func TestParseChangeEvent_Delete(t *testing.T) {
	data := []byte(`{"table":"notes","type":"delete","old_record":{"id":"n1","_origin_user_id":"u2","_event_version":"1"}}`)

	ev, err := ParseChangeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Nil(t, ev.Record)
	assert.Equal(t, "n1", ev.ID())
	require.NotNil(t, ev.Origin)
	assert.Equal(t, "u2", *ev.Origin)
	assert.NotContains(t, ev.OldRecord, originKey)
}

func TestParseChangeEvent_Defaults(t *testing.T) {
	ev, err := ParseChangeEvent([]byte(`{"table":"users","type":"INSERT","record":{"id":"u1","name":"Ana"}}`))
	require.NoError(t, err)
	assert.Nil(t, ev.Origin, "system-originated")
	assert.Equal(t, SupportedVersion, ev.Version)

	ev, err = ParseChangeEvent([]byte(`{"table":"users","type":"INSERT","record":{"id":"u1","_event_version":2}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Version)

	ev, err = ParseChangeEvent([]byte(`{"table":"users","type":"INSERT","record":{"id":"u1","_event_version":"x"}}`))
	require.NoError(t, err)
	assert.Zero(t, ev.Version)
}

func TestParseChangeEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":       `{"table":`,
		"unknown table":  `{"table":"invoices","type":"INSERT","record":{"id":"x"}}`,
		"unknown type":   `{"table":"tasks","type":"TRUNCATE","record":{"id":"x"}}`,
		"missing record": `{"table":"tasks","type":"INSERT"}`,
		"missing old":    `{"table":"tasks","type":"DELETE","record":null}`,
		"missing id":     `{"table":"tasks","type":"UPDATE","record":{"title":"x"}}`,
		"record not obj": `{"table":"tasks","type":"UPDATE","record":[1,2]}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChangeEvent([]byte(data))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}

	_, err := ParseChangeEvent([]byte(tests["unknown table"]))
	var unknown *UnknownTableError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "invoices", unknown.Table)
	assert.ErrorIs(t, err, schema.ErrUnknownVariant)
}
