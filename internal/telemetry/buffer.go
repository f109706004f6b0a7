package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaheed/tenantplane/internal/logging"
)

const (
	eventsKeyPrefix = "tenantplane:events:"
	defaultMaxLen   = 200
	pushTimeout     = 2 * time.Second
)

// Event is one tenant lifecycle transition.
type Event struct {
	Time    time.Time `json:"ts"`
	Tenant  string    `json:"tenant"`
	Type    string    `json:"type"`
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
}

// RedisBuffer keeps the most recent lifecycle events of each tenant in a
// capped Redis list so they outlive Kubernetes event garbage collection.
type RedisBuffer struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisBuffer wraps rdb. A maxLen of zero keeps the last 200 events per tenant.
func NewRedisBuffer(rdb *redis.Client, maxLen int) *RedisBuffer {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisBuffer{rdb: rdb, maxLen: int64(maxLen)}
}

// EventsKey is the Redis list holding a tenant's events, newest last.
func EventsKey(tenant string) string { return eventsKeyPrefix + tenant }

func (b *RedisBuffer) Enqueue(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	key := EventsKey(ev.Tenant)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.LTrim(ctx, key, -b.maxLen, -1)
		return nil
	})
	if err != nil {
		logging.L.Warn("telemetry_event_dropped", zap.String("tenant", ev.Tenant), zap.String("reason", ev.Reason), zap.Error(err))
	}
}

// Recent returns up to n of the tenant's newest events, oldest first.
func (b *RedisBuffer) Recent(ctx context.Context, tenant string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := b.rdb.LRange(ctx, EventsKey(tenant), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Forget drops every stored event of the tenant.
func (b *RedisBuffer) Forget(ctx context.Context, tenant string) error {
	return b.rdb.Del(ctx, EventsKey(tenant)).Err()
}
