// Package turnevents announces committed chat turns on a watermill topic,
// in memory by default or over Redis Streams.
package turnevents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salon/internal/chat"
)

const DefaultTopic = "salon.turns"

// Options selects the transport.
type Options struct {
	RedisEnabled  bool
	RedisAddr     string
	Topic         string
	ConsumerGroup string
	Consumer      string
}

// Bus publishes chat.TurnCompleted events and hands them to consumers.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	shared bool
	client *redis.Client
}

var _ chat.TurnObserver = (*Bus)(nil)

// NewBus builds an in-memory bus, or a Redis Streams bus when enabled.
func NewBus(ctx context.Context, opts Options) (*Bus, error) {
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	logger := newLoggerAdapter(log.Logger)

	if !opts.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{pub: ch, sub: ch, topic: topic, shared: true}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.RedisAddr, err)
	}

	group := opts.ConsumerGroup
	if group == "" {
		group = "salon"
	}
	if err := ensureGroupAtTail(ctx, client, topic, group); err != nil {
		client.Close()
		return nil, err
	}

	consumer := opts.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		pub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}

	log.Info().Str("addr", opts.RedisAddr).Str("topic", topic).Str("group", group).Msg("Turn events use redis streams")
	return &Bus{pub: pub, sub: sub, topic: topic, client: client}, nil
}

// ensureGroupAtTail creates the consumer group at $ so a new group does not
// replay the whole stream.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// TurnCompleted publishes ev.
func (b *Bus) TurnCompleted(ctx context.Context, ev chat.TurnCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode turn event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("conversation_id", ev.ConversationID)
	msg.Metadata.Set("user_id", ev.OwnerID)
	msg.SetContext(ctx)

	if err := b.pub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("failed to publish turn event: %w", err)
	}
	return nil
}

// Listen subscribes to the topic. Messages published before Listen are not
// delivered by the in-memory transport.
func (b *Bus) Listen(ctx context.Context) (<-chan *message.Message, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	return msgs, nil
}

// Handler processes one decoded event. A returned error nacks the message.
type Handler func(ctx context.Context, ev chat.TurnCompleted) error

// Consume runs handler for every message until msgs closes or ctx ends.
// Undecodable messages are acked and dropped.
func Consume(ctx context.Context, msgs <-chan *message.Message, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := Decode(msg)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed turn event")
				msg.Ack()
				continue
			}
			if err := handler(ctx, ev); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("conversation_id", ev.ConversationID).Msg("Turn event handler failed")
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

func Decode(msg *message.Message) (chat.TurnCompleted, error) {
	var ev chat.TurnCompleted
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode turn event: %w", err)
	}
	return ev, nil
}

// LogTurn is a Handler that records completed turns in the log.
func LogTurn(ctx context.Context, ev chat.TurnCompleted) error {
	zerolog.Ctx(ctx).Info().
		Str("conversation_id", ev.ConversationID).
		Str("message_id", ev.MessageID).
		Int("position", ev.Position).
		Str("finish_reason", ev.FinishReason).
		Bool("regenerated", ev.Regenerated).
		Msg("Turn completed")
	return nil
}

func (b *Bus) Close() error {
	var firstErr error
	if err := b.pub.Close(); err != nil {
		firstErr = err
	}
	if !b.shared {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
