package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource reads the persisted event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

// WebhookDispatcher tails the event log and POSTs each event to the
// configured hooks. Every hook keeps its own cursor, starting at the newest
// event present when the dispatcher first looks; a failed delivery is
// retried on the next tick.
type WebhookDispatcher struct {
	Source   EventSource
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(src EventSource, hooks []config.WebhookConfig) *WebhookDispatcher {
	return &WebhookDispatcher{
		Source:   src,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.logger().Info("webhook dispatcher started", "hooks", len(d.Hooks))
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			d.logger().Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every active hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if !hook.Active() {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger().WarnContext(ctx, "webhook: init cursor failed", "url", hook.URL, "error", err)
		return
	}
	evts, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilters{})
	if err != nil {
		d.logger().WarnContext(ctx, "webhook: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger().WarnContext(ctx, "webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestEventID(ctx, "")
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	ProjectID    string          `json:"project_id"`
	EntityKind   string          `json:"entity_kind"`
	EntityID     string          `json:"entity_id"`
	ActorID      string          `json:"actor_id"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	TargetRole   string          `json:"target_role,omitempty"`
	TS           string          `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:           evt.ID,
		Type:         evt.Type,
		ProjectID:    evt.ProjectID,
		EntityKind:   evt.EntityKind,
		EntityID:     evt.EntityID,
		ActorID:      evt.ActorID,
		TargetUserID: evt.TargetUserID,
		TargetRole:   evt.TargetRole,
		TS:           evt.TS,
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Statusflow-Event", evt.Type)
	req.Header.Set("X-Statusflow-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Statusflow-Project", evt.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Statusflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (d *WebhookDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
