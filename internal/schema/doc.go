// Package schema defines the syncable record shapes shared by the local store,
// the sync engine and the realtime pipeline.
//
// # Records
//
// Every syncable record embeds Syncable, which carries the client-assigned
// UUID, the server-authoritative UpdatedAt and the soft-delete marker:
//
//	type Task struct {
//	    schema.Syncable
//	    Title  string
//	    Status schema.TaskStatus
//	    ...
//	}
//
// IDs are generated on the device (NewID) so a record created offline keeps
// the same identity after it is uploaded.
//
// # Sync State
//
// Syncable.Sync holds per-record lifecycle metadata:
//
//	pending ──upload──▶ syncing ──ack──▶ synced
//	   ▲                   │
//	   │                reject
//	   │                   ▼
//	   └──reset──────── failed(n)
//
// A record is pending if and only if it has local mutations the server has
// not acknowledged. Writes that originate on the server are stored directly
// as synced and never pass through pending.
//
// # Tables
//
// UploadOrder lists tables parents first (users, listings, properties) and
// children after (tasks, activities, notes, assignments) so that foreign keys
// resolve when a batch is uploaded.
//
// # Enums
//
// Enum-typed fields parse with an explicit ParseX function that returns
// ErrUnknownVariant alongside the documented default, so callers decide
// whether an unknown value is fatal or merely a diagnostic.
package schema
