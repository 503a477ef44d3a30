package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// BlockChannel carries the ids of user agents taken out of rotation.
const BlockChannel = "crawler:ua:block"

// FallbackUserAgent is used while the pool is empty.
const FallbackUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// UserAgents is a process-local read-through cache of active user agents.
type UserAgents struct {
	store  crawler.UserAgentStore
	rdb    redis.UniversalClient
	logger *zap.Logger

	mu      sync.RWMutex
	desktop []crawler.UserAgent
	mobile  []crawler.UserAgent
}

// NewUserAgents creates the cache. rdb may be nil, in which case blocks are
// not broadcast to other processes.
func NewUserAgents(store crawler.UserAgentStore, rdb redis.UniversalClient, logger *zap.Logger) (*UserAgents, error) {
	if store == nil {
		return nil, errors.New("user agent store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserAgents{store: store, rdb: rdb, logger: logger.Named("useragents")}, nil
}

// Refresh reloads the active pool from the store.
func (u *UserAgents) Refresh(ctx context.Context) error {
	all, err := u.store.ListUserAgents(ctx)
	if err != nil {
		return fmt.Errorf("list user agents: %w", err)
	}
	var desktop, mobile []crawler.UserAgent
	for _, ua := range all {
		if !ua.Active || ua.Value == "" {
			continue
		}
		if ua.Mobile {
			mobile = append(mobile, ua)
		} else {
			desktop = append(desktop, ua)
		}
	}
	u.mu.Lock()
	u.desktop, u.mobile = desktop, mobile
	u.mu.Unlock()
	u.logger.Debug("user agents refreshed", zap.Int("desktop", len(desktop)), zap.Int("mobile", len(mobile)))
	return nil
}

// Pick returns a random active user agent of the requested kind.
func (u *UserAgents) Pick(mobile bool) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	pool := u.desktop
	if mobile {
		pool = u.mobile
	}
	if len(pool) == 0 {
		return FallbackUserAgent
	}
	return pool[rand.IntN(len(pool))].Value
}

// Invalidate drops id from the local cache.
func (u *UserAgents) Invalidate(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desktop = without(u.desktop, id)
	u.mobile = without(u.mobile, id)
}

func without(pool []crawler.UserAgent, id int64) []crawler.UserAgent {
	out := pool[:0:0]
	for _, ua := range pool {
		if ua.ID != id {
			out = append(out, ua)
		}
	}
	return out
}

// Block deactivates id in the store and tells every process to drop it.
func (u *UserAgents) Block(ctx context.Context, id int64) error {
	if err := u.store.DeactivateUserAgent(ctx, id); err != nil {
		return fmt.Errorf("deactivate user agent %d: %w", id, err)
	}
	u.Invalidate(id)
	if u.rdb == nil {
		return nil
	}
	if err := u.rdb.Publish(ctx, BlockChannel, strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("publish user agent block: %w", err)
	}
	return nil
}

// Subscribe applies blocks published by other processes until ctx is done.
func (u *UserAgents) Subscribe(ctx context.Context) error {
	if u.rdb == nil {
		return errors.New("redis client is required to subscribe")
	}
	sub := u.rdb.Subscribe(ctx, BlockChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", BlockChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				u.logger.Warn("ignoring malformed block message", zap.String("payload", msg.Payload))
				continue
			}
			u.Invalidate(id)
			u.logger.Info("user agent blocked", zap.Int64("user_agent_id", id))
		}
	}
}
