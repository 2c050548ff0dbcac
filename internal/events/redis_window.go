package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenScript trims expired ids, adds the new one if absent, and caps the set
// at ARGV[3] members by dropping the lowest scores. Returns 1 for a duplicate.
var seenScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local added = redis.call("ZADD", key, "NX", now, ARGV[4])
if added == 0 then
  return 1
end
local size = redis.call("ZCARD", key)
if size > max then
  redis.call("ZREMRANGEBYRANK", key, 0, size - max - 1)
end
redis.call("PEXPIRE", key, ARGV[5])
return 0
`)

// RedisWindow shares the dedup window between API instances with a sorted
// set scored by arrival time.
type RedisWindow struct {
	rdb        redis.UniversalClient
	key        string
	window     time.Duration
	maxEntries int
	now        func() time.Time
}

func NewRedisWindow(rdb redis.UniversalClient, key string, window time.Duration, maxEntries int) *RedisWindow {
	if rdb == nil {
		panic("events: redis client required")
	}
	if key == "" {
		key = "dedupe:webhooks"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &RedisWindow{rdb: rdb, key: key, window: window, maxEntries: maxEntries, now: time.Now}
}

func (w *RedisWindow) IsDuplicate(ctx context.Context, id string) (bool, error) {
	now := w.now()
	res, err := seenScript.Run(ctx, w.rdb, []string{w.key},
		now.UnixMilli(),
		now.Add(-w.window).UnixMilli(),
		w.maxEntries,
		id,
		w.window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("events: dedupe check: %w", err)
	}
	return res == 1, nil
}

func (w *RedisWindow) Forget(ctx context.Context, id string) error {
	if err := w.rdb.ZRem(ctx, w.key, id).Err(); err != nil {
		return fmt.Errorf("events: dedupe forget: %w", err)
	}
	return nil
}
