package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers processed event ids. It is a fast path only; the
// ledger's unique keys decide whether an effect is applied.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type RedisEventDeduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisEventDeduper(rdb redis.Cmdable, ttl time.Duration) *RedisEventDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventDeduper{rdb: rdb, ttl: ttl, prefix: "payments:event:"}
}

func (d *RedisEventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisEventDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	return d.rdb.SetNX(ctx, d.prefix+eventID, time.Now().UTC().Unix(), d.ttl).Err()
}

// noopDeduper never reports an event as seen.
type noopDeduper struct{}

func (noopDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (noopDeduper) MarkProcessed(context.Context, string) error { return nil }
