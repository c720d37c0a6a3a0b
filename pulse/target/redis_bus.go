package target

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
)

// RedisConfig locates the bus.
type RedisConfig struct {
	URL           string // redis://[:password@]host:port[/db]
	ChannelPrefix string // prepended to event topics
	QueuePrefix   string // prepended to queue topics
}

// RedisBus implements Publisher (PUBLISH) and Enqueuer (RPUSH, consumers
// BLPOP) on Redis. It is constructed explicitly and must be connected before
// use.
type RedisBus struct {
	cfg    RedisConfig
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisBus creates an unconnected bus.
func NewRedisBus(cfg RedisConfig, log *zap.SugaredLogger) *RedisBus {
	return &RedisBus{cfg: cfg, logger: log}
}

// Connect dials Redis and verifies it with PING.
func (b *RedisBus) Connect(ctx context.Context) error {
	opt, err := redis.ParseURL(b.cfg.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid redis url %q", b.cfg.URL)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.Mark(errors.Wrapf(err, "redis at %s unreachable", opt.Addr), errors.ErrServiceUnavailable)
	}

	b.mu.Lock()
	old := b.client
	b.client = client
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if b.logger != nil {
		b.logger.Infow("Redis bus connected", "addr", opt.Addr, "db", opt.DB)
	}
	return nil
}

// Close disconnects. Safe to call more than once.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Ping reports bus health.
func (b *RedisBus) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Publish sends message on the channel for topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, message []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Publish(ctx, b.ChannelName(topic), message).Err()
}

// Enqueue appends message to the list for queue.
func (b *RedisBus) Enqueue(ctx context.Context, queue string, message []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.RPush(ctx, b.QueueKey(queue), message).Err()
}

// ChannelName is the pub/sub channel for an event topic.
func (b *RedisBus) ChannelName(topic string) string {
	return b.cfg.ChannelPrefix + topic
}

// QueueKey is the list key for a queue topic.
func (b *RedisBus) QueueKey(queue string) string {
	return b.cfg.QueuePrefix + queue
}

func (b *RedisBus) conn() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, errors.Mark(errors.New("redis bus is not connected"), errors.ErrServiceUnavailable)
	}
	return b.client, nil
}
