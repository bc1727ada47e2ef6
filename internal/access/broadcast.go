package access

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const invalidationChannel = "authz.permcache.invalidate"

// flushAllToken is published in place of a key to request a full flush.
const flushAllToken = "*"

// Broadcaster fans cache invalidations out to every service instance over a
// Redis channel. All methods are nil-safe so single-instance deployments can
// run without Redis.
type Broadcaster struct {
	client *redis.Client
	cache  *PermissionCache
	logger *slog.Logger
}

// NewBroadcaster constructs a broadcaster bound to a local cache.
func NewBroadcaster(client *redis.Client, cache *PermissionCache, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, cache: cache, logger: logger}
}

// Publish announces an invalidation for the given principal key. An empty
// key requests a full flush on every instance.
func (b *Broadcaster) Publish(ctx context.Context, key string) error {
	if b == nil || b.client == nil {
		return nil
	}
	if key == "" {
		key = flushAllToken
	}
	return b.client.Publish(ctx, invalidationChannel, key).Err()
}

// Listen subscribes to the invalidation channel and applies received
// invalidations to the local cache until the context is cancelled.
func (b *Broadcaster) Listen(ctx context.Context) error {
	if b == nil || b.client == nil || b.cache == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, invalidationChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == flushAllToken {
					b.cache.InvalidateAll()
					continue
				}
				b.cache.Invalidate(msg.Payload)
			}
		}
	}()
	return nil
}
