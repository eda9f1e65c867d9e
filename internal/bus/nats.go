package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/ipsim/internal/domain"
)

// Header names carrying the envelope. Payloads travel as the raw message
// body.
const (
	headerMessageID   = "Ipsim-Message-Id"
	headerPublishedAt = "Ipsim-Published-At"
	headerMetaPrefix  = "Ipsim-Meta-"
)

const pingTimeout = 2 * time.Second

// NATSBus is the pro tier event bus. Queue groups map onto NATS queue
// subscriptions so replicas share the scan load.
type NATSBus struct {
	conn *nats.Conn
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl. A server that is down at startup is
// retried in the background rather than failing the process.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 2
	}

	opts := []nats.Option{
		nats.Name("ipsim"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS connected", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	return &NATSBus{conn: conn}, nil
}

// Publish sends payload on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.conn.IsClosed() {
		return domain.ErrBusClosed
	}
	return b.conn.PublishMsg(toNATS(newMessage(ctx, topic, payload)))
}

// Subscribe delivers every message on topic to handler.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// QueueSubscribe joins the NATS queue group on topic.
func (b *NATSBus) QueueSubscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group name is required")
	}
	return b.subscribe(ctx, topic, group, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(handlerContext(ctx, msg), msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if group == "" {
		ns, err = b.conn.Subscribe(topic, cb)
	} else {
		ns, err = b.conn.QueueSubscribe(topic, group, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return &natsSubscription{topic: topic, sub: ns}, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS %s", strings.ToLower(status.String()))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions, letting handlers already running finish,
// then closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe stops delivery to this subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed subject.
func (s *natsSubscription) Topic() string {
	return s.topic
}

// toNATS maps an envelope onto a NATS message with the envelope fields in
// headers.
func toNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerPublishedAt, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

// fromNATS rebuilds the envelope. Messages published by other clients get
// a fresh id and the receive time.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		ID:       m.Header.Get(headerMessageID),
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ts, err := strconv.ParseInt(m.Header.Get(headerPublishedAt), 10, 64)
	if err != nil {
		ts = time.Now().UnixNano()
	}
	msg.Timestamp = ts

	for k, vals := range m.Header {
		if key, ok := strings.CutPrefix(k, headerMetaPrefix); ok && len(vals) > 0 {
			msg.Metadata[key] = vals[0]
		}
	}
	return msg
}
