// Package realtime applies change events pushed by the server.
//
// The server broadcasts every committed write on a named channel. A
// Transport delivers the raw payloads, ParseChangeEvent strips the metadata
// the broadcast trigger injects, and a Processor writes the row into the
// local store as synced. Events this session authored itself are dropped
// when the local copy already reflects them.
//
// A Listener owns one subscription at a time. Start and Stop are
// idempotent, and Stop waits until no further event can be applied. When
// the connection drops the listener retries briefly, then parks until
// NotifyNetworkRestored is called instead of spinning against a dead
// network.
package realtime
