package groups

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "liveapi:group:"

// RedisBackend carries group publishes over Redis pub/sub so that membership
// and fan-out work across independent server processes. Each group maps to one
// Redis channel; this process only subscribes to channels it has local
// members for.
type RedisBackend struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger

	mu      sync.Mutex
	deliver func(group string, payload []byte)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBackend creates a backend over the given client and starts its
// receive loop. Wire it into a Registry with NewRegistry, which points it at
// local delivery.
func NewRedisBackend(client *redis.Client, log *zap.Logger) *RedisBackend {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBackend{
		client: client,
		pubsub: client.Subscribe(ctx),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.receive()
	return b
}

// SetDeliver points the backend at local member delivery.
func (b *RedisBackend) SetDeliver(deliver func(string, []byte)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *RedisBackend) receive() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		group := strings.TrimPrefix(msg.Channel, channelPrefix)
		b.mu.Lock()
		deliver := b.deliver
		b.mu.Unlock()
		if deliver == nil {
			continue
		}
		deliver(group, []byte(msg.Payload))
	}
}

// Publish sends the payload to the group's channel. Every subscribed process,
// including this one, re-delivers it to its local members.
func (b *RedisBackend) Publish(ctx context.Context, group string, payload []byte) error {
	return b.client.Publish(ctx, channelPrefix+group, payload).Err()
}

// Subscribe starts receiving the group's channel.
func (b *RedisBackend) Subscribe(group string) error {
	return b.pubsub.Subscribe(b.ctx, channelPrefix+group)
}

// Unsubscribe stops receiving the group's channel.
func (b *RedisBackend) Unsubscribe(group string) error {
	return b.pubsub.Unsubscribe(b.ctx, channelPrefix+group)
}

// Close tears down the receive loop and the pub/sub connection.
func (b *RedisBackend) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	return err
}
