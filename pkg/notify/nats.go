package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// ErrNotConnected is returned when the NATS connection is down.
var ErrNotConnected = errors.New("not connected to NATS")

// NATSOption configures a NATS notifier.
type NATSOption func(*NATS)

// WithSubject sets the subject.
func WithSubject(subject string) NATSOption {
	return func(n *NATS) { n.subject = subject }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) NATSOption {
	return func(n *NATS) { n.log = logging.OrNop(log) }
}

// WithClientName sets the connection name shown by the NATS server.
func WithClientName(name string) NATSOption {
	return func(n *NATS) { n.clientName = name }
}

// NATS is a Notifier over a NATS core subject.
type NATS struct {
	url        string
	subject    string
	clientName string
	origin     string
	log        *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// ConnectNATS connects to url and returns a notifier with a fresh origin ID.
func ConnectNATS(url string, opts ...NATSOption) (*NATS, error) {
	n := &NATS{
		url:        url,
		subject:    DefaultSubject,
		clientName: "rpcgate",
		origin:     uuid.NewString(),
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}

	conn, err := nats.Connect(url, n.connectionOptions()...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	n.conn = conn
	return n, nil
}

func (n *NATS) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(n.clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
}

// Origin returns this replica's origin ID.
func (n *NATS) Origin() string { return n.origin }

// Publish sends msg, stamping the origin.
func (n *NATS) Publish(_ context.Context, msg Message) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	msg.Origin = n.origin
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Publish(n.subject, data)
}

// RegistryChanged publishes ev. Failures are logged; peers catch up on
// their next reload.
func (n *NATS) RegistryChanged(ctx context.Context, ev registry.Event) {
	err := n.Publish(ctx, Message{Type: ev.Type, Service: ev.Service, At: time.Now()})
	if err != nil {
		n.log.Warn("failed to publish registry change", "service", ev.Service, "error", err)
	}
}

// Subscribe delivers messages from other replicas to h until Close.
func (n *NATS) Subscribe(ctx context.Context, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			n.log.Warn("dropping malformed registry change", "error", err)
			return
		}
		if msg.Origin == n.origin {
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		h(msgCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Flush waits until the server has processed published messages.
func (n *NATS) Flush() error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Flush()
}

// Close unsubscribes and drains the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		_ = s.Unsubscribe()
	}
	n.subs = nil
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

var _ Notifier = (*NATS)(nil)
