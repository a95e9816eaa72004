package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/model"
)

const defaultFlushTimeout = 2 * time.Second

// NATSPublisher publishes phase events as JSON on core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// ConnectNATS dials the NATS server and returns a publisher.
func ConnectNATS(opts NATSOptions, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSPublisher(conn, opts.SubjectPrefix), nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish sends each event on its subject and flushes the connection. The
// caller's trace context travels in the message headers.
func (p *NATSPublisher) Publish(ctx context.Context, events ...model.PhaseEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, "events.publish")
	defer func() { observability.EndSpanWithError(span, err) }()

	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal phase event: %w", err)
		}
		msg := nats.NewMsg(Subject(p.prefix, evt))
		msg.Data = data
		observability.InjectTraceHeaders(ctx, http.Header(msg.Header))
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %s: %w", evt.Event, err)
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		return p.conn.FlushTimeout(defaultFlushTimeout)
	}
	return p.conn.FlushWithContext(ctx)
}

// HealthCheck reports whether the connection is established.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", p.conn.Status())
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}
