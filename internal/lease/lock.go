package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "crawler:lock:"

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker grants cluster-wide exclusive runs of periodic jobs. A lock is
// held at most for its TTL even if the holder dies.
type Locker struct {
	rdb   redis.UniversalClient
	owner string
}

// NewLocker creates a Locker identifying itself as owner.
func NewLocker(rdb redis.UniversalClient, owner string) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if owner == "" {
		return nil, errors.New("lock owner is required")
	}
	return &Locker{rdb: rdb, owner: owner}, nil
}

// TryLock acquires name for ttl. It returns a release func when acquired.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := lockPrefix + name
	ok, err := l.rdb.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, l.owner).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}
