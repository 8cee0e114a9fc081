package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("libraryops-publisher"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", url, "subject", subject)

	return &NATSPublisher{conn: nc, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Event-Type", string(e.Type))
	msg.Header.Set(nats.MsgIdHdr, e.ID.String())
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to nats: %w", err)
	}

	p.logger.DebugContext(ctx, "event sent to NATS", "subject", p.subject, "event_type", e.Type)
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NATSConsumer feeds events from a subject into a Handler.
type NATSConsumer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	handle  Handler
	logger  *slog.Logger
}

func NewNATSConsumer(url, subject string, handle Handler, logger *slog.Logger) (*NATSConsumer, error) {
	nc, err := nats.Connect(url, nats.Name("libraryops-notifier"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSConsumer{conn: nc, subject: subject, handle: handle, logger: logger}, nil
}

// Start subscribes and blocks until ctx is done.
func (c *NATSConsumer) Start(ctx context.Context) error {
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		var e domain.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			c.logger.Error("failed to unmarshal borrow event", "subject", msg.Subject, "error", err)
			return
		}
		c.handle(ctx, e)
	})
	if err != nil {
		return err
	}

	c.sub = sub
	c.logger.Info("NATS consumer started", "subject", c.subject)

	<-ctx.Done()
	return ctx.Err()
}

func (c *NATSConsumer) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.conn.Close()
	return nil
}

// HealthCheck reports whether the NATS connection is usable.
func (c *NATSConsumer) HealthCheck() error {
	if c.conn == nil {
		return nats.ErrConnectionClosed
	}
	if !c.conn.IsConnected() {
		return nats.ErrDisconnected
	}
	return nil
}
