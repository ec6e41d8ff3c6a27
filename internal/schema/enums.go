package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownVariant is returned by the Parse functions when the raw value is
// not a recognized variant. The accompanying value is always the documented
// default for that enum, so callers may keep going.
var ErrUnknownVariant = errors.New("unknown variant")

// TaskStatus is the workflow state of a task. Unknown values default to open.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusClosed     TaskStatus = "closed"

	DefaultTaskStatus = TaskStatusOpen
)

var taskStatuses = []TaskStatus{TaskStatusOpen, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone, TaskStatusClosed}

// ParseTaskStatus parses raw into a TaskStatus.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	return parseEnum(raw, taskStatuses, DefaultTaskStatus)
}

// ListingStage is the sales stage of a listing. Unknown values default to draft.
type ListingStage string

const (
	ListingStageDraft     ListingStage = "draft"
	ListingStageActive    ListingStage = "active"
	ListingStagePending   ListingStage = "pending"
	ListingStageSold      ListingStage = "sold"
	ListingStageWithdrawn ListingStage = "withdrawn"

	DefaultListingStage = ListingStageDraft
)

var listingStages = []ListingStage{ListingStageDraft, ListingStageActive, ListingStagePending, ListingStageSold, ListingStageWithdrawn}

// ParseListingStage parses raw into a ListingStage.
func ParseListingStage(raw string) (ListingStage, error) {
	return parseEnum(raw, listingStages, DefaultListingStage)
}

// UserRole is the permission level of a user. Unknown values default to
// viewer, the least privileged role.
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleAgent  UserRole = "agent"
	UserRoleViewer UserRole = "viewer"

	DefaultUserRole = UserRoleViewer
)

var userRoles = []UserRole{UserRoleAdmin, UserRoleAgent, UserRoleViewer}

// ParseUserRole parses raw into a UserRole.
func ParseUserRole(raw string) (UserRole, error) {
	return parseEnum(raw, userRoles, DefaultUserRole)
}

// ActivityKind classifies an activity. Unknown values default to other.
type ActivityKind string

const (
	ActivityKindCall    ActivityKind = "call"
	ActivityKindEmail   ActivityKind = "email"
	ActivityKindMeeting ActivityKind = "meeting"
	ActivityKindVisit   ActivityKind = "visit"
	ActivityKindOther   ActivityKind = "other"

	DefaultActivityKind = ActivityKindOther
)

var activityKinds = []ActivityKind{ActivityKindCall, ActivityKindEmail, ActivityKindMeeting, ActivityKindVisit, ActivityKindOther}

// ParseActivityKind parses raw into an ActivityKind.
func ParseActivityKind(raw string) (ActivityKind, error) {
	return parseEnum(raw, activityKinds, DefaultActivityKind)
}

// Operation is the kind of write a change event describes.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation accepts both the lower-case form and the upper-case
// INSERT/UPDATE/DELETE form used by broadcast payloads. Unknown values
// default to update.
func ParseOperation(raw string) (Operation, error) {
	return parseEnum(strings.ToLower(raw), []Operation{OperationInsert, OperationUpdate, OperationDelete}, OperationUpdate)
}

// AuditAction is the action recorded by the server change log.
type AuditAction string

const (
	AuditInsert  AuditAction = "insert"
	AuditUpdate  AuditAction = "update"
	AuditDelete  AuditAction = "delete"
	AuditRestore AuditAction = "restore"
)

// ParseAuditAction parses a change-log action. Unknown values default to update.
func ParseAuditAction(raw string) (AuditAction, error) {
	return parseEnum(strings.ToLower(raw), []AuditAction{AuditInsert, AuditUpdate, AuditDelete, AuditRestore}, AuditUpdate)
}

func parseEnum[T ~string](raw string, known []T, fallback T) (T, error) {
	for _, k := range known {
		if string(k) == raw {
			return k, nil
		}
	}
	return fallback, fmt.Errorf("%w %q (using %q)", ErrUnknownVariant, raw, fallback)
}
