package briefing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/holidaibutler/warden/internal/integrity"
	"github.com/holidaibutler/warden/internal/model"
)

// DefaultSubject is the NATS subject digests are published on.
const DefaultSubject = "warden.briefings"

const (
	connectTimeout = 10 * time.Second
	flushTimeout   = 5 * time.Second
)

// Connect dials NATS with reconnect logging.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("briefing: nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("briefing: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("briefing: connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSNotifier publishes digests as JSON. The message id header carries the
// content hash so a redelivered digest is recognizable downstream.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a notifier. An empty subject uses DefaultSubject.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// Notify publishes d and waits for the server to acknowledge the flush.
func (n *NATSNotifier) Notify(ctx context.Context, d model.Digest) error {
	payload, err := json.Marshal(struct {
		model.Digest
		Markdown string `json:"markdown"`
	}{d, Markdown(d)})
	if err != nil {
		return fmt.Errorf("briefing: encode digest: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, integrity.ContentHash(payload))
	msg.Header.Set("Warden-Briefing-Id", d.ID.String())
	if d.Urgent {
		msg.Header.Set("Warden-Urgent", "true")
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("briefing: publish: %w", err)
	}
	// FlushWithContext requires a deadline.
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("briefing: flush: %w", err)
	}
	return nil
}

// LogNotifier writes digests to the log. Used when no NATS server is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the rendered digest.
func (n LogNotifier) Notify(_ context.Context, d model.Digest) error {
	n.Logger.Info("briefing: digest", "briefing_id", d.ID, "urgent", d.Urgent, "markdown", Markdown(d))
	return nil
}
