package schema

import "fmt"

// SyncState is the per-record lifecycle state.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// ParseSyncState parses a stored sync state. Unknown values are treated as
// pending so the record is re-uploaded rather than silently dropped.
func ParseSyncState(raw string) (SyncState, error) {
	return parseEnum(raw, []SyncState{SyncPending, SyncSyncing, SyncSynced, SyncFailed}, SyncPending)
}

// SyncMeta is the sync bookkeeping attached to every record.
type SyncMeta struct {
	State      SyncState
	RetryCount int
	LastError  string

	// Rev increments on every local mutation. An upload acknowledgment
	// only marks a record synced if Rev is unchanged since the upload began.
	Rev int64
}

// IsDirty reports whether the record holds local changes the server has
// not acknowledged.
func (m SyncMeta) IsDirty() bool {
	return m.State != SyncSynced
}

// Exhausted reports whether automatic retries are used up.
func (m SyncMeta) Exhausted(maxRetries int) bool {
	return m.State == SyncFailed && m.RetryCount >= maxRetries
}

// MarkPending records a local mutation. Retries restart from zero because
// the user has changed the record since the last rejection.
func (m *SyncMeta) MarkPending() {
	m.State = SyncPending
	m.RetryCount = 0
	m.LastError = ""
	m.Rev++
}

// MarkSyncing hands the record to an in-flight upload.
func (m *SyncMeta) MarkSyncing() error {
	if m.State != SyncPending && m.State != SyncFailed {
		return fmt.Errorf("cannot upload record in state %s", m.State)
	}
	m.State = SyncSyncing
	return nil
}

// MarkSynced records a server acknowledgment or a server-originated write.
func (m *SyncMeta) MarkSynced() {
	m.State = SyncSynced
	m.RetryCount = 0
	m.LastError = ""
}

// MarkFailed records an upload rejection.
func (m *SyncMeta) MarkFailed(reason string) {
	m.State = SyncFailed
	m.RetryCount++
	m.LastError = reason
}

// ResetFailed clears the retry budget and requeues the record.
func (m *SyncMeta) ResetFailed() bool {
	if m.State != SyncFailed {
		return false
	}
	m.State = SyncPending
	m.RetryCount = 0
	m.LastError = ""
	return true
}
