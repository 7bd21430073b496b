// Package redisx wraps the Redis operations the workers share: cancellation
// broadcast and per-server download slots.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	cancelChannel   = "jobs:cancel"
	serverSlotTTL   = 2 * time.Hour
	serverSlotsKeyF = "server_slots:%s"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishCancel tells every worker that a job was cancelled. Workers that
// miss the message still catch the status row at their next checkpoint.
func (c *Client) PublishCancel(ctx context.Context, jobID uuid.UUID) error {
	if err := c.rdb.Publish(ctx, cancelChannel, jobID.String()).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// SubscribeCancel invokes fn for every cancelled job id until ctx ends.
func (c *Client) SubscribeCancel(ctx context.Context, fn func(uuid.UUID)) error {
	sub := c.rdb.Subscribe(ctx, cancelChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				continue
			}
			fn(id)
		}
	}
}

// AcquireServerSlot takes one of a server's download slots. It returns false
// when the server is already at its concurrency limit.
func (c *Client) AcquireServerSlot(ctx context.Context, serverID uuid.UUID, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := fmt.Sprintf(serverSlotsKeyF, serverID)

	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("acquire server slot: %w", err)
	}
	// refresh expiry so crashed workers cannot pin a slot forever
	_ = c.rdb.Expire(ctx, key, serverSlotTTL).Err()

	if n > int64(limit) {
		_ = c.rdb.Decr(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *Client) ReleaseServerSlot(ctx context.Context, serverID uuid.UUID) error {
	key := fmt.Sprintf(serverSlotsKeyF, serverID)
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("release server slot: %w", err)
	}
	if n < 0 {
		_ = c.rdb.Del(ctx, key).Err()
	}
	return nil
}
