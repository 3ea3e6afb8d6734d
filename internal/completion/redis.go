package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes every completion event as JSON on a channel so
// processes outside this server can react to finished uploads.
type RedisNotifier struct {
	client  publisher
	channel string
}

func NewRedisNotifier(client publisher, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Name() string { return "redis-notify" }

func (n *RedisNotifier) HandleCompletion(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish completion of %s: %w", ev.UploadID, err)
	}
	return nil
}
