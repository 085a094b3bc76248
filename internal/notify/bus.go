// Package notify delivers workflow notifications to their sinks without
// ever blocking the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"statusflow/internal/domain"
	"statusflow/internal/metrics"
)

const DefaultBuffer = 256

// Bus fans notifications out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the notification.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan domain.Notification

	Now     func() time.Time
	Metrics *metrics.Workflow
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan domain.Notification),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan domain.Notification) {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	id := ulid.Make().String()
	ch := make(chan domain.Notification, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Notify stamps n with an id and timestamp when missing and publishes it.
func (b *Bus) Notify(_ context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.TS == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		n.TS = domain.FormatTime(now())
	}
	b.Metrics.Notified(n.Type)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.Metrics.Dropped()
		}
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notification) {}
