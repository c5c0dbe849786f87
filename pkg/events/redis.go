package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "sagaflow.events."

// RedisEmitter publishes events with PUBLISH on the channel prefix+name.
type RedisEmitter struct {
	client *redis.Client
	prefix string
}

func NewRedisEmitter(client *redis.Client, prefix string) *RedisEmitter {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisEmitter{client: client, prefix: prefix}
}

// Channel returns the channel an event called name is published on.
func (e *RedisEmitter) Channel(name string) string {
	return e.prefix + name
}

func (e *RedisEmitter) Emit(ctx context.Context, event Event) error {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "encode event %s", event.Name)
	}
	if err := e.client.Publish(ctx, e.Channel(event.Name), payload).Err(); err != nil {
		return errors.Wrapf(err, "publish event %s", event.Name)
	}
	return nil
}
