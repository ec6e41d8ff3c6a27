// Package lifecycle decides when the sync subsystem runs.
//
// The Coordinator combines two inputs with AND semantics: the host app is
// in the foreground and a user is signed in. Entering the active state
// runs one sync and starts realtime listening; leaving it stops listening
// and lets an in-flight sync finish without starting new ones. Network
// reachability is tracked separately and triggers a catch-up sync when the
// network returns.
//
// SessionWatcher and ReachabilityMonitor turn the session file and backend
// probes into Coordinator inputs.
package lifecycle
