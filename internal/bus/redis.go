package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "wordstream:bus"

// RedisTransport uses Redis pub/sub so contexts in different processes or
// hosts can hear each other.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  Logger

	// subscribers counts this transport's own live subscriptions, which Redis
	// includes in PUBLISH receiver counts.
	subscribers atomic.Int64
}

func NewRedisTransport(redisURL, channel string, logger Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisTransport{client: client, channel: channel, logger: logger}, nil
}

func (t *RedisTransport) Send(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	receivers, err := t.client.Publish(ctx, t.channel, raw).Result()
	if err != nil {
		return err
	}
	if receivers-t.subscribers.Load() <= 0 {
		return ErrNoReceiver
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	t.subscribers.Add(1)
	out := make(chan Event, defaultHubBuffer)
	messages := pubsub.Channel()
	go func() {
		defer close(out)
		defer t.subscribers.Add(-1)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if t.logger != nil {
						t.logger.Printf("bus: dropping malformed redis message: %v", err)
					}
					continue
				}
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

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
