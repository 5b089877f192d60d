package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPollInterval = 50 * time.Millisecond

// Redis is a Transport backed by Redis lists.
//
// Visible messages live in <prefix>:ready. Messages with a future
// VisibleAfter wait in the <prefix>:delayed sorted set, scored by unix
// milliseconds. A received message is moved atomically into the consumer's own
// <prefix>:processing:<consumer> list and removed from it on Ack.
type Redis struct {
	client     redis.UniversalClient
	ready      string
	delayed    string
	processing string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedis creates a transport for one consumer. Messages left in the
// consumer's processing list by a previous run are returned to the ready list.
func NewRedis(ctx context.Context, client redis.UniversalClient, prefix, consumer string) (*Redis, error) {
	if prefix == "" {
		prefix = "suiteplane:jobs"
	}
	r := &Redis{
		client:     client,
		ready:      prefix + ":ready",
		delayed:    prefix + ":delayed",
		processing: prefix + ":processing:" + consumer,
		closed:     make(chan struct{}),
	}
	if err := r.requeueProcessing(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Redis) requeueProcessing(ctx context.Context) error {
	for {
		err := r.client.RPopLPush(ctx, r.processing, r.ready).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to requeue processing list: %w", err)
		}
	}
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.VisibleAfter.After(time.Now()) {
		return r.client.ZAdd(ctx, r.delayed, redis.Z{
			Score:  float64(msg.VisibleAfter.UnixMilli()),
			Member: payload,
		}).Err()
	}
	return r.client.LPush(ctx, r.ready, payload).Err()
}

func (r *Redis) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		select {
		case <-r.closed:
			return nil, ErrClosed
		default:
		}

		if err := r.promoteDelayed(ctx); err != nil {
			return nil, err
		}

		payload, err := r.client.RPopLPush(ctx, r.ready, r.processing).Result()
		switch {
		case err == nil:
			return r.delivery(ctx, payload)
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("receive failed: %w", err)
		}

		if !time.Now().Before(deadline) {
			return nil, ErrNoMessage
		}
		timer := time.NewTimer(redisPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
	}
}

func (r *Redis) delivery(ctx context.Context, payload string) (*Delivery, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		// Poison message: drop it so it does not block the consumer.
		err = fmt.Errorf("invalid message %q: %w", payload, err)
		if dropErr := r.client.LRem(ctx, r.processing, 1, payload).Err(); dropErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to drop invalid message from %s: %w", r.processing, dropErr))
		}
		return nil, err
	}
	return &Delivery{Message: msg, ack: func(ctx context.Context) error {
		return r.client.LRem(ctx, r.processing, 1, payload).Err()
	}}, nil
}

// promoteDelayed moves due members of the delayed set to the ready list.
// ZREM decides which consumer moves a member, so each is pushed once.
func (r *Redis) promoteDelayed(ctx context.Context) error {
	due, err := r.client.ZRangeByScore(ctx, r.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}
	for _, member := range due {
		removed, err := r.client.ZRem(ctx, r.delayed, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.ready, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops Receive and Publish. The Redis client is owned by the caller.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

var _ Transport = (*Redis)(nil)
