package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Header names set on every published NATS message so subscribers outside
// Harrier can route without decoding the envelope.
const (
	headerMessageID = "Harrier-Message-Id"
	headerNamespace = "Harrier-Namespace"
	headerReplyTo   = "Harrier-Reply-To"
)

// defaultRequestTimeout applies when a Request context carries no deadline.
const defaultRequestTimeout = 30 * time.Second

// NATSBus implements EventBus on NATS core subjects. Subjects are
// "<namespace>.<topic>". Request/reply uses the same reply_to convention as
// ChannelBus, so a worker answers identically on either bus.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg, wait)...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("harrier-" + cfg.Namespace),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
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
	return opts
}

// Publish sends payload to the namespaced subject for topic.
func (b *NATSBus) Publish(ctx context.Context, namespace string, topic string, payload []byte) error {
	return b.send(namespace, topic, payload, nil)
}

func (b *NATSBus) send(namespace, topic string, payload []byte, metadata map[string]string) error {
	if namespace == "" {
		return errors.New("namespace is required")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	env := domain.Message{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := nats.NewMsg(b.makeSubject(namespace, topic))
	msg.Data = data
	msg.Header.Set(headerMessageID, env.ID)
	msg.Header.Set(headerNamespace, namespace)
	if replyTo := metadata["reply_to"]; replyTo != "" {
		msg.Header.Set(headerReplyTo, replyTo)
	}

	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers messages on topic to handler. With a queue group
// configured, each message goes to one member of the group.
func (b *NATSBus) Subscribe(ctx context.Context, namespace string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}

	subject := b.makeSubject(namespace, topic)
	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to decode NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var natsSub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		natsSub, err = b.conn.QueueSubscribe(subject, b.queueGroup, deliver)
	} else {
		natsSub, err = b.conn.Subscribe(subject, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &natsSubscription{topic: topic, sub: natsSub}, nil
}

// Request publishes payload with a private reply_to topic and waits for the
// first answer. The wait ends with ctx, or after 30s without a deadline.
func (b *NATSBus) Request(ctx context.Context, namespace string, topic string, payload []byte) ([]byte, error) {
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	replyTo := topic + ".reply." + uuid.New().String()
	inbox, err := b.conn.SubscribeSync(b.makeSubject(namespace, replyTo))
	if err != nil {
		return nil, fmt.Errorf("failed to open reply subject: %w", err)
	}
	defer inbox.Unsubscribe()

	if err := b.send(namespace, topic, payload, map[string]string{"reply_to": replyTo}); err != nil {
		return nil, err
	}

	m, err := inbox.NextMsgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", topic, err)
	}

	var reply domain.Message
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply.Payload, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains every subscription so in-flight handlers finish, then closes
// the connection.
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

// makeSubject scopes a topic to its namespace: default.harrier.engine.reset
func (b *NATSBus) makeSubject(namespace, topic string) string {
	return namespace + "." + topic
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
