package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// LogGateway writes messages to the log. Used when no broker is configured.
type LogGateway struct {
	log zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{log: logger.With().Str("component", "notify_gateway").Logger()}
}

func (g *LogGateway) Send(_ context.Context, msg Message) error {
	g.log.Info().
		Str("recipient", msg.Recipient).
		Str("kind", string(msg.Kind)).
		Interface("context", msg.Context).
		Msg("notification.send")
	return nil
}

// AMQPGateway publishes messages to a topic exchange, routed by kind, for
// the delivery service to render and send.
type AMQPGateway struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      zerolog.Logger
}

func NewAMQPGateway(uri, exchange string, logger zerolog.Logger) (*AMQPGateway, error) {
	logger = logger.With().Str("component", "notify_gateway").Logger()

	conn, err := amqp.Dial(uri)
	if err != nil {
		logger.Error().Err(err).Msg("rabbitmq.connect.failed")
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		logger.Error().Err(err).Msg("rabbitmq.channel.failed")
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPGateway{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		log:      logger,
	}, nil
}

func (g *AMQPGateway) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.channel == nil || g.channel.IsClosed() {
		return errors.New("amqp channel closed")
	}

	return g.channel.PublishWithContext(ctx, g.exchange, RoutingKey(msg), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (g *AMQPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channel != nil {
		_ = g.channel.Close()
	}
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// RoutingKey is "notification.<kind>".
func RoutingKey(msg Message) string {
	return "notification." + string(msg.Kind)
}

// Recorder is an in-memory Gateway that keeps every message it is given.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Fail     error
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count returns how many recorded messages have the given kind.
func (r *Recorder) Count(kind TemplateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}
