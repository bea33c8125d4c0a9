package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"

	"foreman/internal/policy"
)

const (
	TopicSession   = "session"
	TopicStory     = "story"
	TopicAgent     = "agent"
	TopicDetection = "detection"
	TopicRecovery  = "recovery"
	TopicAlert     = "alert"
)

var AllTopics = []string{TopicSession, TopicStory, TopicAgent, TopicDetection, TopicRecovery, TopicAlert}

// Event is the audit record published for every transition, decision,
// detection and recovery attempt.
type Event struct {
	ID         string            `msgpack:"id" json:"id"`
	Topic      string            `msgpack:"topic" json:"topic"`
	SessionID  string            `msgpack:"session_id" json:"session_id"`
	EntityType string            `msgpack:"entity_type" json:"entity_type"`
	EntityID   string            `msgpack:"entity_id" json:"entity_id"`
	Type       string            `msgpack:"type" json:"type"`
	FromState  string            `msgpack:"from_state,omitempty" json:"from_state,omitempty"`
	ToState    string            `msgpack:"to_state,omitempty" json:"to_state,omitempty"`
	Message    string            `msgpack:"message,omitempty" json:"message,omitempty"`
	Attrs      map[string]string `msgpack:"attrs,omitempty" json:"attrs,omitempty"`
	At         time.Time         `msgpack:"at" json:"at"`
}

type Config struct {
	RedisURL     string
	StreamPrefix string
	// Replay makes Redis subscribers start at the beginning of each stream
	// instead of only seeing new events.
	Replay bool
}

func ConfigFromPolicy(cfg policy.Config) Config {
	return Config{RedisURL: cfg.Bus.RedisURL, StreamPrefix: cfg.Bus.StreamPrefix}
}

// Bus publishes events in-process through a go channel pub/sub, or to Redis
// streams when a Redis URL is configured.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client
	shared     bool
	prefix     string
	logger     *slog.Logger

	closeOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = "foreman"
	}
	b := &Bus{prefix: prefix, logger: logger}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		b.publisher = ch
		b.subscriber = ch
		b.shared = true
		return b, nil
	}

	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	b.client = redis.NewClient(options)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     b.client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, wmLogger)
	if err != nil {
		_ = b.client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	subscriberCfg := redisstream.SubscriberConfig{
		Client:       b.client,
		Unmarshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}
	if cfg.Replay {
		subscriberCfg.FanOutOldestId = "0"
	}
	subscriber, err := redisstream.NewSubscriber(subscriberCfg, wmLogger)
	if err != nil {
		_ = publisher.Close()
		_ = b.client.Close()
		return nil, fmt.Errorf("create redis subscriber: %w", err)
	}
	b.publisher = publisher
	b.subscriber = subscriber
	return b, nil
}

func (b *Bus) stream(topic string) string {
	return b.prefix + "." + topic
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Topic) == "" {
		return fmt.Errorf("event topic is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("session_id", event.SessionID)
	msg.Metadata.Set("type", event.Type)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(b.stream(event.Topic), msg); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Topic, err)
	}
	return nil
}

// Subscribe delivers decoded events of one topic until ctx is done. Events
// that fail to decode are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	messages, err := b.subscriber.Subscribe(ctx, b.stream(topic))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := msgpack.Unmarshal(msg.Payload, &event); err != nil {
					b.logger.Warn("drop undecodable event", "topic", topic, "message_uuid", msg.UUID, "error", err)
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SubscribeAll merges every topic into one channel.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 64)
	var wg sync.WaitGroup
	for _, topic := range AllTopics {
		events, err := b.Subscribe(ctx, topic)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range events {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *Bus) Close() error {
	var firstErr error
	b.closeOnce.Do(func() {
		if err := b.publisher.Close(); err != nil {
			firstErr = err
		}
		if !b.shared {
			if err := b.subscriber.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if b.client != nil {
			if err := b.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
