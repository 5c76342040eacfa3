package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject finished sessions are announced on.
const DefaultSubject = "rehearsal.session.finished"

var _ Notifier = (*NATSNotifier)(nil)

// NATSNotifier publishes [Summary] messages as JSON on a NATS subject.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

// NewNATSNotifier connects to url. The connection retries and reconnects in
// the background, so a broker that is briefly down does not fail startup.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("rehearsal-archive"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("archive: nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("archive: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: nats connect: %w", err)
	}
	return &NATSNotifier{nc: nc, subject: subject}, nil
}

// Subject returns the subject announcements are published on.
func (n *NATSNotifier) Subject() string { return n.subject }

// Notify implements [Notifier]. It flushes so that an error reaches the
// caller while ctx is live.
func (n *NATSNotifier) Notify(ctx context.Context, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive: encode summary: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("Rehearsal-Record-Id", s.ID)
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("archive: publish: %w", err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("archive: flush: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATSNotifier) Close() {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
	}
}
