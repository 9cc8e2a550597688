package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// RedisClient is the minimal key/value surface the relay needs from a Redis
// library. The relay does not import a driver; cmd/relay constructs the
// concrete client (internal/infra) and injects it, or skips Redis entirely
// and runs on the in-memory store.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisPubSubClient adds the subscription side used by the revocation fanout.
type RedisPubSubClient interface {
	RedisClient
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// RedisStore persists registrations and retired keys in Redis so every relay
// pod behind a load balancer shares one routing table. Key layout:
//
//	<prefix>reg:<containerId>   registration JSON
//	<prefix>key:<signingKey>    container id owning that key
//	<prefix>retired:<key>       retired-key JSON (kept past the window)
//	<prefix>containers          set of registered container ids
type RedisStore struct {
	client    RedisClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed registry store.
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "relay:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (rs *RedisStore) regKey(id string) string      { return rs.keyPrefix + "reg:" + id }
func (rs *RedisStore) signKey(pub string) string    { return rs.keyPrefix + "key:" + pub }
func (rs *RedisStore) retiredKey(pub string) string { return rs.keyPrefix + "retired:" + pub }
func (rs *RedisStore) containersKey() string        { return rs.keyPrefix + "containers" }

func (rs *RedisStore) SaveRegistration(ctx context.Context, reg *Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	// Drop the stale key index when a rotation replaced the signing key.
	if prev, err := rs.LoadRegistration(ctx, reg.ContainerID); err == nil && prev.PublicKey != reg.PublicKey {
		_ = rs.client.Del(ctx, rs.signKey(prev.PublicKey))
	}

	if err := rs.client.Set(ctx, rs.regKey(reg.ContainerID), data, 0); err != nil {
		return fmt.Errorf("redis SET registration: %w", err)
	}
	if err := rs.client.Set(ctx, rs.signKey(reg.PublicKey), []byte(reg.ContainerID), 0); err != nil {
		return fmt.Errorf("redis SET key index: %w", err)
	}
	if err := rs.client.SAdd(ctx, rs.containersKey(), reg.ContainerID); err != nil {
		return fmt.Errorf("redis SADD containers: %w", err)
	}
	return nil
}

func (rs *RedisStore) LoadRegistration(ctx context.Context, containerID string) (*Registration, error) {
	data, err := rs.client.Get(ctx, rs.regKey(containerID))
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errNotRegistered(containerID)
		}
		return nil, fmt.Errorf("redis GET registration: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("unmarshal registration: %w", err)
	}
	return &reg, nil
}

func (rs *RedisStore) DeleteRegistration(ctx context.Context, containerID string) error {
	reg, err := rs.LoadRegistration(ctx, containerID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil
		}
		return err
	}
	_ = rs.client.Del(ctx, rs.signKey(reg.PublicKey))
	_ = rs.client.SRem(ctx, rs.containersKey(), containerID)
	return rs.client.Del(ctx, rs.regKey(containerID))
}

func (rs *RedisStore) FindBySigningKey(ctx context.Context, pubB64 string) (string, error) {
	data, err := rs.client.Get(ctx, rs.signKey(pubB64))
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("redis GET key index: %w", err)
	}
	return string(data), nil
}

func (rs *RedisStore) SaveRetiredKey(ctx context.Context, key RetiredKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal retired key: %w", err)
	}
	// No TTL: a key outside its window must stay refusable forever.
	if err := rs.client.Set(ctx, rs.retiredKey(key.PublicKey), data, 0); err != nil {
		return fmt.Errorf("redis SET retired key: %w", err)
	}
	return nil
}

func (rs *RedisStore) LoadRetiredKey(ctx context.Context, pubB64 string) (*RetiredKey, error) {
	data, err := rs.client.Get(ctx, rs.retiredKey(pubB64))
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET retired key: %w", err)
	}
	var rk RetiredKey
	if err := json.Unmarshal(data, &rk); err != nil {
		return nil, fmt.Errorf("unmarshal retired key: %w", err)
	}
	return &rk, nil
}

func (rs *RedisStore) CountRegistrations(ctx context.Context) (int, error) {
	members, err := rs.client.SMembers(ctx, rs.containersKey())
	if err != nil {
		return 0, fmt.Errorf("redis SMEMBERS containers: %w", err)
	}
	return len(members), nil
}
