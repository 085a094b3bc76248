package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"statusflow/internal/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append stores n in the events table and returns the new event id. When
// exec is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, exec Execer, n domain.Notification) (int64, error) {
	if exec == nil {
		exec = w.DB
	}
	ts := n.TS
	if ts == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		ts = domain.FormatTime(now())
	}
	// n is shared with other subscribers; never write into n.Payload.
	payload := make(EventPayload, len(n.Payload)+2)
	maps.Copy(payload, n.Payload)
	if n.ID != "" {
		payload["notification_id"] = n.ID
	}
	if n.TaskID != "" {
		payload["task_id"] = n.TaskID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	entityKind, entityID := EntityOf(n)
	res, err := exec.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,target_user_id,target_role,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, n.Type, n.ProjectID, entityKind, entityID, n.ActorID, nullable(n.TargetUserID), nullable(string(n.TargetRole)), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EntityOf names the row a notification is about: the change request when
// there is one, the task otherwise.
func EntityOf(n domain.Notification) (kind, id string) {
	if n.RequestID != "" {
		return "change_request", n.RequestID
	}
	return "task", n.TaskID
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
