package audit

import (
	"time"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Entry is one change-log row.
type Entry struct {
	ID        string
	Table     schema.Table
	RecordID  string
	Action    schema.AuditAction
	ChangedAt time.Time

	// ChangedBy is nil for system-originated changes.
	ChangedBy *string

	OldRow dto.Row
	NewRow dto.Row

	// SubjectName is the display name of the user an assignment refers
	// to. It is filled in by History and may be empty.
	SubjectName string
}

// EntryFromRemote converts a change-log row. An unrecognized action falls
// back to update with a diagnostic.
func EntryFromRemote(r remote.AuditRow) (Entry, []dto.Diagnostic) {
	var diags []dto.Diagnostic
	table := schema.Table(r.TableName)

	action, err := schema.ParseAuditAction(r.Action)
	if err != nil {
		diags = append(diags, dto.Diagnostic{Table: table, Field: "action", Raw: r.Action, Fallback: string(action)})
	}

	return Entry{
		ID:        string(r.AuditID),
		Table:     table,
		RecordID:  r.RecordPK,
		Action:    action,
		ChangedAt: r.ChangedAt,
		ChangedBy: r.ChangedBy,
		OldRow:    r.OldRow,
		NewRow:    r.NewRow,
	}, diags
}

// row returns the most recent image of the record.
func (e Entry) row() dto.Row {
	if e.NewRow != nil {
		return e.NewRow
	}
	return e.OldRow
}

// effectiveAction reads soft deletes and restores recorded as updates.
func (e Entry) effectiveAction() schema.AuditAction {
	if e.Action != schema.AuditUpdate || e.OldRow == nil || e.NewRow == nil {
		return e.Action
	}
	before, after := e.OldRow["deleted_at"], e.NewRow["deleted_at"]
	switch {
	case before == nil && after != nil:
		return schema.AuditDelete
	case before != nil && after == nil:
		return schema.AuditRestore
	}
	return e.Action
}

// ClaimEvent is one entry of a task's claim history.
type ClaimEvent struct {
	ID        string
	TaskID    string
	UserID    string
	Action    ClaimAction
	ActorID   *string
	Reason    string
	CreatedAt time.Time
}

// ClaimAction is what happened to a task's assignment.
type ClaimAction string

const (
	ClaimClaimed    ClaimAction = "claimed"
	ClaimAssigned   ClaimAction = "assigned"
	ClaimReleased   ClaimAction = "released"
	ClaimUnassigned ClaimAction = "unassigned"
)

// ClaimFromRemote converts a claim-history row.
func ClaimFromRemote(r remote.ClaimRow) ClaimEvent {
	ev := ClaimEvent{
		ID:        string(r.ID),
		TaskID:    r.TaskID,
		UserID:    r.UserID,
		Action:    ClaimAction(r.Action),
		ActorID:   r.ActorID,
		CreatedAt: r.CreatedAt,
	}
	if r.Reason != nil {
		ev.Reason = *r.Reason
	}
	return ev
}

// StatusChange is one task status transition.
type StatusChange struct {
	ID        string
	TaskID    string
	From      string
	To        string
	ChangedBy *string
	Reason    string
	ChangedAt time.Time
}

// StatusFromRemote converts a status-history row.
func StatusFromRemote(r remote.StatusRow) StatusChange {
	sc := StatusChange{
		ID:        string(r.ID),
		TaskID:    r.TaskID,
		To:        r.ToStatus,
		ChangedBy: r.ChangedBy,
		ChangedAt: r.ChangedAt,
	}
	if r.FromStatus != nil {
		sc.From = *r.FromStatus
	}
	if r.Reason != nil {
		sc.Reason = *r.Reason
	}
	return sc
}
