package audit

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

const unknownActor = "Someone"

// Summarize describes one change-log entry in a sentence. actor is the
// display name of the user who made the change; t is the kind of record.
func Summarize(e Entry, actor string, t schema.Table) string {
	if actor == "" {
		actor = unknownActor
	}
	if t.IsRelationship() {
		return summarizeRelationship(e, actor, t)
	}

	noun := t.DisplayName()
	switch e.effectiveAction() {
	case schema.AuditInsert:
		return fmt.Sprintf("%s created this %s", actor, noun)
	case schema.AuditDelete:
		return fmt.Sprintf("%s deleted this %s", actor, noun)
	case schema.AuditRestore:
		return fmt.Sprintf("%s restored this %s", actor, noun)
	}

	changes := Diff(e.OldRow, e.NewRow)
	switch n := len(changes); {
	case n == 0:
		return fmt.Sprintf("%s made changes to this %s", actor, noun)
	case n == 1:
		return actor + " " + describe(changes[0])
	case n <= 3:
		labels := make([]string, n)
		for i, c := range changes {
			labels[i] = label(c.Field)
		}
		return fmt.Sprintf("%s changed %s", actor, joinAnd(labels))
	default:
		return fmt.Sprintf("%s changed %s and %d other fields", actor, label(changes[0].Field), n-1)
	}
}

// describe renders a single field change without the actor.
func describe(c Change) string {
	name := label(c.Field)
	from, to := render(c.Old), render(c.New)

	switch {
	case c.Field == "status" || c.Field == "stage":
		return fmt.Sprintf("changed %s to %s", name, to)
	case isReference(c.Field):
		if to == "" {
			return "cleared the " + name
		}
		return "changed the " + name
	case to == "":
		return "cleared " + name
	case from == "":
		return fmt.Sprintf("set %s to %s", name, to)
	}
	return fmt.Sprintf("changed %s from %s to %s", name, from, to)
}

// render formats a value for a sentence.
func render(v any) string {
	s := dto.Normalize(v)
	if s == "" {
		return ""
	}
	if t, err := dto.ParseTime(s); err == nil && len(s) >= len("2006-01-02T15:04") {
		return t.Format("Jan 2, 2006")
	}
	return strings.ReplaceAll(s, "_", " ")
}

func summarizeRelationship(e Entry, actor string, t schema.Table) string {
	action := e.effectiveAction()

	if t == schema.TableNotes {
		switch action {
		case schema.AuditInsert:
			return actor + " added a note"
		case schema.AuditDelete:
			return actor + " deleted a note"
		case schema.AuditRestore:
			return actor + " restored a note"
		}
		return actor + " edited a note"
	}

	row := e.row()
	assignee, _ := row.String("user_id")
	self := e.ChangedBy != nil && assignee != "" && *e.ChangedBy == assignee
	subject := e.SubjectName
	if subject == "" {
		subject = "someone"
	}

	if action == schema.AuditUpdate && e.OldRow != nil && e.NewRow != nil {
		was, is := e.OldRow["unassigned_at"], e.NewRow["unassigned_at"]
		switch {
		case was == nil && is != nil:
			action = schema.AuditDelete
		case was != nil && is == nil:
			action = schema.AuditInsert
		}
	}

	switch action {
	case schema.AuditInsert, schema.AuditRestore:
		if self {
			return actor + " claimed this"
		}
		return actor + " assigned " + subject
	case schema.AuditDelete:
		if self {
			return actor + " removed themselves"
		}
		return actor + " unassigned " + subject
	}
	return actor + " updated the assignment for " + subject
}

// SummarizeClaim describes a claim-history event. subject is the display
// name of the user the task was claimed by or assigned to.
func SummarizeClaim(ev ClaimEvent, actor, subject string) string {
	if actor == "" {
		actor = unknownActor
	}
	if subject == "" {
		subject = "someone"
	}
	self := ev.ActorID != nil && *ev.ActorID == ev.UserID

	var s string
	switch ev.Action {
	case ClaimClaimed:
		s = actor + " claimed this"
	case ClaimAssigned:
		if self {
			s = actor + " claimed this"
		} else {
			s = actor + " assigned " + subject
		}
	case ClaimReleased:
		s = actor + " removed themselves"
	case ClaimUnassigned:
		if self {
			s = actor + " removed themselves"
		} else {
			s = actor + " unassigned " + subject
		}
	default:
		s = fmt.Sprintf("%s %s %s", actor, strings.ReplaceAll(string(ev.Action), "_", " "), subject)
	}
	return withReason(s, ev.Reason)
}

// SummarizeStatusChange describes a task status transition.
func SummarizeStatusChange(sc StatusChange, actor string) string {
	if actor == "" {
		actor = unknownActor
	}
	s := fmt.Sprintf("%s changed status to %s", actor, render(sc.To))
	return withReason(s, sc.Reason)
}

func withReason(s, reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return fmt.Sprintf("%s (%s)", s, reason)
	}
	return s
}

// joinAnd joins items as "a", "a and b" or "a, b and c".
func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
