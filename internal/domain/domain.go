package domain

import (
	"slices"
	"strings"
	"time"
)

// TimeLayout is fixed width so that timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type TaskStatus string

const (
	StatusNew        TaskStatus = "NEW"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

var TaskStatuses = []TaskStatus{StatusNew, StatusInProgress, StatusCompleted, StatusCancelled}

func (s TaskStatus) Valid() bool {
	return slices.Contains(TaskStatuses, s)
}

// ParseTaskStatus accepts the canonical names case-insensitively.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", false
	}
	return st, true
}

type RequestState string

const (
	StatePending  RequestState = "PENDING"
	StateApproved RequestState = "APPROVED"
	StateRejected RequestState = "REJECTED"
)

// Outcome is the resolver's verdict on a pending change request.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeApproved:
		return OutcomeApproved, true
	case OutcomeRejected:
		return OutcomeRejected, true
	}
	return "", false
}

// State maps an outcome to the terminal request state it produces.
func (o Outcome) State() RequestState {
	if o == OutcomeApproved {
		return StateApproved
	}
	return StateRejected
}

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

// ParseRole normalizes a role name. Unknown names are returned as-is so
// that policy checks can refuse them.
func ParseRole(s string) Role {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return r
	}
	return Role(strings.TrimSpace(s))
}

// ChangeOutcome tells a requester what happened to a status change request.
type ChangeOutcome string

const (
	ChangeApplied         ChangeOutcome = "APPLIED"
	ChangePendingApproval ChangeOutcome = "PENDING_APPROVAL"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Member struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role" enum:"ADMIN,MEMBER,VIEWER"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status" enum:"NEW,IN_PROGRESS,COMPLETED,CANCELLED"`
	Version     int64      `json:"version"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type ChangeRequest struct {
	ID                    string       `json:"id"`
	TaskID                string       `json:"task_id"`
	ProjectID             string       `json:"project_id"`
	RequesterID           string       `json:"requester_id"`
	CurrentStatusSnapshot TaskStatus   `json:"current_status_snapshot"`
	RequestedStatus       TaskStatus   `json:"requested_status"`
	State                 RequestState `json:"state" enum:"PENDING,APPROVED,REJECTED"`
	RejectionReason       *string      `json:"rejection_reason,omitempty"`
	CreatedAt             string       `json:"created_at" format:"date-time"`
	ResolvedAt            *string      `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy            *string      `json:"resolved_by,omitempty"`
}

// Notification types.
const (
	EventTaskCreated          = "TASK_CREATED"
	EventTaskStatusChanged    = "TASK_STATUS_CHANGED"
	EventStatusChangePending  = "STATUS_CHANGE_PENDING"
	EventStatusChangeApproved = "STATUS_CHANGE_APPROVED"
	EventStatusChangeRejected = "STATUS_CHANGE_REJECTED"
)

var EventTypes = []string{
	EventTaskCreated,
	EventTaskStatusChanged,
	EventStatusChangePending,
	EventStatusChangeApproved,
	EventStatusChangeRejected,
}

// Notification is what the workflow hands to the notifier. Exactly one of
// TargetUserID or TargetRole is set for targeted events; broadcast events
// leave both empty.
type Notification struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ProjectID    string         `json:"project_id"`
	TaskID       string         `json:"task_id"`
	RequestID    string         `json:"request_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	TargetRole   Role           `json:"target_role,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	TS           string         `json:"ts" format:"date-time"`
}

// Event is a persisted notification.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id"`
	ActorID      string `json:"actor_id"`
	TargetUserID string `json:"target_user_id,omitempty"`
	TargetRole   string `json:"target_role,omitempty"`
	Payload      string `json:"payload_json"`
}
