// Package redis publishes lifecycle events to other processes using
// go-redis/v9: Pub/Sub for live consumers and a capped stream per topic
// for consumers that were offline.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polyagent/internal/ports"
)

// streamMaxLen caps each topic stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Publisher implements ports.EventPublisher.
type Publisher struct {
	rdb    *redis.Client
	prefix string
	stream bool
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher publishes on "<prefix>:<topic>". With stream set every
// message is also appended to the stream of the same name.
func NewPublisher(rdb *redis.Client, prefix string, stream bool) *Publisher {
	if prefix == "" {
		prefix = "polyagent"
	}
	return &Publisher{rdb: rdb, prefix: prefix, stream: stream}
}

// Channel returns the full channel name of topic.
func (p *Publisher) Channel(topic string) string {
	return p.prefix + ":" + topic
}

// Publish encodes payload as JSON and sends it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redis.Publish: marshal %s: %w", topic, err)
	}
	ch := p.Channel(topic)

	if !p.stream {
		if err := p.rdb.Publish(ctx, ch, data).Err(); err != nil {
			return fmt.Errorf("redis.Publish: %s: %w", ch, err)
		}
		return nil
	}

	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, ch, data)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ch,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Publish: %s: %w", ch, err)
	}
	return nil
}

// Subscribe delivers the raw payloads published on topic until ctx ends.
// The returned channel is closed when the subscription stops.
func (p *Publisher) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := p.Channel(topic)
	pubsub := p.rdb.Subscribe(ctx, ch)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis.Subscribe: %s: %w", ch, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n payloads from the topic stream, newest first.
func (p *Publisher) Recent(ctx context.Context, topic string, n int64) ([][]byte, error) {
	msgs, err := p.rdb.XRevRangeN(ctx, p.Channel(topic), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Recent: %w", err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.Values["data"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}
