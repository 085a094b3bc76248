package server

import (
	"statusflow/internal/domain"
	"statusflow/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id" minLength:"1"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetMemberRequest struct {
	Role string `json:"role" enum:"ADMIN,MEMBER,VIEWER"`
}

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type StatusChangeRequest struct {
	Status string `json:"status" enum:"NEW,IN_PROGRESS,COMPLETED,CANCELLED"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome" enum:"APPROVED,REJECTED"`
	Reason  string `json:"reason,omitempty" doc:"Required when rejecting"`
}

// Response payloads

type StatusChangeResponse = engine.StatusChangeResult

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type changeRequestList struct {
	Items []domain.ChangeRequest `json:"items"`
}

type memberList struct {
	Items []domain.Member `json:"items"`
}

type EventResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	EntityKind   string `json:"entity_kind" enum:"task,change_request"`
	EntityID     string `json:"entity_id"`
	ActorID      string `json:"actor_id"`
	TargetUserID string `json:"target_user_id,omitempty"`
	TargetRole   string `json:"target_role,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID   string `json:"actor_id"`
	Source    string `json:"source"`
	ProjectID string `json:"project_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}
