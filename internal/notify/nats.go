package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"statusflow/internal/domain"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("statusflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSForwarder republishes notifications as JSON on
// <SubjectPrefix>.<type>.
type NATSForwarder struct {
	Conn          Publisher
	SubjectPrefix string
	Logger        *slog.Logger
}

func (f NATSForwarder) Subject(n domain.Notification) string {
	return strings.TrimSuffix(f.SubjectPrefix, ".") + "." + strings.ToLower(n.Type)
}

func (f NATSForwarder) Forward(n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return f.Conn.Publish(f.Subject(n), data)
}

// Run forwards everything published on bus until ctx is done.
func (f NATSForwarder) Run(ctx context.Context, bus *Bus, bufSize int) {
	subID, ch := bus.Subscribe(bufSize)
	defer bus.Unsubscribe(subID)

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("nats forwarder started", "subject_prefix", f.SubjectPrefix)
	for {
		select {
		case <-ctx.Done():
			logger.Info("nats forwarder stopped")
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := f.Forward(n); err != nil {
				logger.Error("nats publish failed", "subject", f.Subject(n), "error", err)
			}
		}
	}
}
