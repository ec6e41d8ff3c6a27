// Package sync runs the push-then-pull replication cycle between the local
// store and the remote backend.
//
// One Engine exists per authenticated session. It is constructed with its
// store and backend handles and owns every piece of shared sync state: the
// current Status, the debounce timer and the circuit breaker.
//
// # Cycles
//
// A cycle uploads dirty records table by table in schema.UploadOrder, then
// downloads rows newer than each table's watermark. Watermarks advance only
// when the whole cycle succeeds. At most one cycle runs at a time; Sync and
// FullSync queue behind a cycle already in flight.
//
//	engine.RequestSync()          // debounced, non-blocking
//	res, err := engine.Sync(ctx)  // one cycle, now
//	res, err = engine.FullSync(ctx)
//
// FullSync additionally removes local synced records that no longer exist
// on the server.
//
// # Failures
//
// A record the server rejects is marked failed and the rest of the batch
// continues. A network failure returns the record to pending and fails the
// cycle. After BreakerThreshold consecutive failed cycles the circuit
// breaker opens and RequestSync is suppressed for an exponentially growing
// cooldown; Status reports StateCircuitOpen with the time remaining. A
// manual Sync is always attempted.
package sync
