package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"statusflow/internal/domain"
	"statusflow/internal/events"
)

// drainTimeout bounds how long Run keeps writing buffered notifications
// after its context is canceled.
const drainTimeout = 2 * time.Second

// Recorder persists notifications to the events table.
type Recorder struct {
	Writer events.Writer
	Logger *slog.Logger
}

// Notify writes n synchronously and logs failures. It is the notifier used
// by short-lived processes such as the CLI.
func (r Recorder) Notify(ctx context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if _, err := r.Writer.Append(ctx, nil, n); err != nil {
		r.logger().ErrorContext(ctx, "record notification failed", "type", n.Type, "task_id", n.TaskID, "error", err)
	}
}

// Run records everything published on bus until ctx is done, then drains
// what is already buffered.
func (r Recorder) Run(ctx context.Context, bus *Bus, bufSize int) {
	subID, ch := bus.Subscribe(bufSize)
	defer bus.Unsubscribe(subID)

	r.logger().Info("notification recorder started")
	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			r.logger().Info("notification recorder stopped")
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.Notify(ctx, n)
		}
	}
}

func (r Recorder) drain(ch <-chan domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.Notify(ctx, n)
		default:
			return
		}
	}
}

func (r Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
