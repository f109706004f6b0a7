package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaheed/tenantplane/pkg/types"
)

const redisKeyPrefix = "tenantplane:discovery:"

// RedisStore mirrors snapshots into Redis for readers outside the cluster API.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps keys until deleted.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func RedisKey(tenant string) string { return redisKeyPrefix + tenant }

func (s *RedisStore) Save(ctx context.Context, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.rdb.Set(ctx, RedisKey(snap.Tenant), data, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, tenant string) error {
	return s.rdb.Del(ctx, RedisKey(tenant)).Err()
}

// Load reads a mirrored snapshot. The boolean is false when none is stored.
func (s *RedisStore) Load(ctx context.Context, tenant string) (types.Snapshot, bool, error) {
	raw, err := s.rdb.Get(ctx, RedisKey(tenant)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}
