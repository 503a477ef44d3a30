// Package dedup provides approximate, bounded-memory duplicate detection for
// discovered URLs: a Bloom filter stored as a Redis bitmap, and a Window
// policy that rotates the bitmap monthly.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults sized for roughly one million URLs per bucket at a low false-positive rate.
const (
	DefaultBitmapSize int64 = 33_554_432
	DefaultHashCount        = 7
)

// addScript sets every offset in ARGV[2:] and returns 1 if any bit was
// previously clear. The TTL in ARGV[1] is applied only when the key has
// none, so all inserts of a period share one expiry.
var addScript = redis.NewScript(`
local changed = 0
for i = 2, #ARGV do
	if redis.call('SETBIT', KEYS[1], ARGV[i], 1) == 0 then
		changed = 1
	end
end
if redis.call('TTL', KEYS[1]) == -1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return changed
`)

var containsScript = redis.NewScript(`
for i = 1, #ARGV do
	if redis.call('GETBIT', KEYS[1], ARGV[i]) == 0 then
		return 0
	end
end
return 1
`)

// FilterConfig sizes the bitmap.
type FilterConfig struct {
	BitmapSize int64
	HashCount  int
}

// Filter is a Redis-backed Bloom filter. Each key is an independent bitmap.
type Filter struct {
	rdb redis.UniversalClient
	cfg FilterConfig
}

// NewFilter creates a Filter.
func NewFilter(rdb redis.UniversalClient, cfg FilterConfig) (*Filter, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.BitmapSize <= 0 {
		cfg.BitmapSize = DefaultBitmapSize
	}
	if cfg.HashCount <= 0 {
		cfg.HashCount = DefaultHashCount
	}
	return &Filter{rdb: rdb, cfg: cfg}, nil
}

// Add inserts value into the bitmap at key and reports whether it was new.
func (f *Filter) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	offsets := Offsets(value, f.cfg.BitmapSize, f.cfg.HashCount)
	args := make([]any, 0, len(offsets)+1)
	args = append(args, int64(ttl.Seconds()))
	for _, o := range offsets {
		args = append(args, o)
	}
	changed, err := addScript.Run(ctx, f.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("bloom add %s: %w", key, err)
	}
	return changed == 1, nil
}

// Contains reports whether every bit of value is set at key.
func (f *Filter) Contains(ctx context.Context, key, value string) (bool, error) {
	offsets := Offsets(value, f.cfg.BitmapSize, f.cfg.HashCount)
	args := make([]any, 0, len(offsets))
	for _, o := range offsets {
		args = append(args, o)
	}
	found, err := containsScript.Run(ctx, f.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("bloom contains %s: %w", key, err)
	}
	return found == 1, nil
}
