// Package infra holds concrete infrastructure adapters. The Redis adapter
// wraps go-redis v9 behind the narrow interfaces the relay consumes
// (relay.RedisClient, relay.RedisPubSubClient); cmd/relay constructs it and
// falls back to the in-memory store when no Redis address is configured.
package infra

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/relay"
)

// Redis adapts go-redis to the relay's key/value and pub/sub surface.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedis connects and verifies the connection with a ping.
func NewRedis(addr, password string, db int, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "redis ping "+addr)
	}

	log.Info("redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb, log: log.With("component", "redis")}, nil
}

// Close shuts down the connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns KindNotFound for missing keys so stores can tell absence from
// outage.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.Newf(errdefs.KindNotFound, "key %s not found", key)
	}
	return val, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return r.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return r.rdb.SRem(ctx, key, ifaces...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe delivers channel messages to handler until the returned stop
// function is called. It blocks until the subscription is confirmed.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "subscribe "+channel)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
		r.log.Debug("subscription drained", "channel", channel)
	}()

	return func() { sub.Close() }, nil
}

var _ relay.RedisPubSubClient = (*Redis)(nil)
