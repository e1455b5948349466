// Package events publishes session events over NATS.
//
// Every executed node produces one message on
//
//	{prefix}.{session_id}.{node}
//
// carrying the JSON-encoded orchestrator.Event. Watchers subscribe to
// {prefix}.{session_id}.> to follow a single session or {prefix}.> for all.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// ErrClosed is returned when publishing on a closed publisher.
var ErrClosed = errors.New("events: publisher closed")

// Publisher implements orchestrator.Publisher over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

var _ orchestrator.Publisher = (*Publisher)(nil)

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("devcrew"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
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
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p := NewPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. Close does not close nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "devcrew.sessions"
	}
	return &Publisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject an event of session on node is published to.
func (p *Publisher) Subject(sessionID, node string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, sessionID, node)
}

// Publish sends ev.
func (p *Publisher) Publish(_ context.Context, ev orchestrator.Event) error {
	if p.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev.SessionID, ev.Node)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published event", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

// Subscribe delivers decoded events of one session, or of all sessions
// when sessionID is empty, until the returned subscription is drained.
// Malformed payloads are logged and skipped.
func (p *Publisher) Subscribe(sessionID string, fn func(orchestrator.Event)) (*nats.Subscription, error) {
	subject := p.prefix + ".>"
	if sessionID != "" {
		subject = fmt.Sprintf("%s.%s.>", p.prefix, sessionID)
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev orchestrator.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits until the server has processed every published message.
func (p *Publisher) Flush() error {
	return p.nc.Flush()
}

// Close drains the connection when the publisher owns it.
func (p *Publisher) Close() error {
	if !p.owned || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}
