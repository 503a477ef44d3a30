// Package lease implements the shared site scheduling index on Redis: a
// sorted set scoring each site by its next eligible time plus a hash of
// per-site metadata. Every mutation is a single Redis command, pipeline,
// or server-side script so concurrent workers never read-then-write.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Default key names.
const (
	DefaultQueueKey    = "crawler:scheduler:queue"
	DefaultMetadataKey = "crawler:site:info"
)

// popScript selects up to ARGV[3] sites due at ARGV[1], re-scores each to
// ARGV[1]+ARGV[2] and returns id/metadata pairs. Entries without metadata
// are dropped from the index instead of being returned.
var popScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[3])
local leased = tonumber(ARGV[1]) + tonumber(ARGV[2])
local out = {}
for _, id in ipairs(ids) do
	local meta = redis.call('HGET', KEYS[2], id)
	if meta then
		redis.call('ZADD', KEYS[1], leased, id)
		table.insert(out, id)
		table.insert(out, meta)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)

// Config names the Redis keys backing the store.
type Config struct {
	QueueKey    string
	MetadataKey string
}

// Store is the Redis-backed lease store.
type Store struct {
	rdb    redis.UniversalClient
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Active  int
	Added   int
	Removed int
}

// New creates a Store.
func New(rdb redis.UniversalClient, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = DefaultQueueKey
	}
	if cfg.MetadataKey == "" {
		cfg.MetadataKey = DefaultMetadataKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, clock: clock, cfg: cfg, logger: logger.Named("lease")}, nil
}

// PopEligible atomically leases up to limit due sites for leaseDuration.
func (s *Store) PopEligible(ctx context.Context, limit int, leaseDuration time.Duration) ([]crawler.LeasedSite, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UnixMilli()
	raw, err := popScript.Run(ctx, s.rdb,
		[]string{s.cfg.QueueKey, s.cfg.MetadataKey},
		now, leaseDuration.Milliseconds(), limit,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop eligible sites: %w", err)
	}
	sites := make([]crawler.LeasedSite, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		idText, _ := raw[i].(string)
		metaText, _ := raw[i+1].(string)
		siteID, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			s.logger.Warn("skipping lease entry with invalid id", zap.String("member", idText))
			continue
		}
		var meta crawler.SiteMetadata
		if err := json.Unmarshal([]byte(metaText), &meta); err != nil {
			s.logger.Warn("skipping lease entry with invalid metadata",
				zap.Int64("site_id", siteID), zap.Error(err))
			continue
		}
		sites = append(sites, crawler.LeasedSite{SiteID: siteID, Metadata: meta})
	}
	return sites, nil
}

// ExtendLease pushes the site's score to now+extension. Sites that were
// removed from the index stay removed.
func (s *Store) ExtendLease(ctx context.Context, siteID int64, extension time.Duration) error {
	return s.rescore(ctx, siteID, extension, "extend lease")
}

// CompleteAndReschedule makes the site eligible again after delay.
func (s *Store) CompleteAndReschedule(ctx context.Context, siteID int64, delay time.Duration) error {
	return s.rescore(ctx, siteID, delay, "reschedule site")
}

func (s *Store) rescore(ctx context.Context, siteID int64, d time.Duration, op string) error {
	score := float64(s.clock.Now().Add(d).UnixMilli())
	member := strconv.FormatInt(siteID, 10)
	if err := s.rdb.ZAddXX(ctx, s.cfg.QueueKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("%s %d: %w", op, siteID, err)
	}
	return nil
}

// Sync reconciles the configured sites into the index. Active sites get
// fresh metadata and are added as eligible now only if absent; inactive or
// deleted sites are removed together with their metadata.
func (s *Store) Sync(ctx context.Context, sites []crawler.Site) (SyncResult, error) {
	existing, err := s.SiteIDs(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	active := make(map[int64]crawler.Site, len(sites))
	for _, site := range sites {
		if site.Active {
			active[site.ID] = site
		}
	}
	now := float64(s.clock.Now().UnixMilli())

	var (
		result SyncResult
		adds   []*redis.IntCmd
	)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, site := range active {
			payload, err := json.Marshal(site.Metadata())
			if err != nil {
				return fmt.Errorf("marshal metadata for site %d: %w", id, err)
			}
			member := strconv.FormatInt(id, 10)
			pipe.HSet(ctx, s.cfg.MetadataKey, member, payload)
			adds = append(adds, pipe.ZAddNX(ctx, s.cfg.QueueKey, redis.Z{Score: now, Member: member}))
		}
		for _, id := range existing {
			if _, ok := active[id]; ok {
				continue
			}
			member := strconv.FormatInt(id, 10)
			pipe.ZRem(ctx, s.cfg.QueueKey, member)
			pipe.HDel(ctx, s.cfg.MetadataKey, member)
			result.Removed++
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync sites: %w", err)
	}
	result.Active = len(active)
	for _, cmd := range adds {
		result.Added += int(cmd.Val())
	}
	return result, nil
}

// SyncFrom reconciles the index with every site the store knows about.
func (s *Store) SyncFrom(ctx context.Context, sites crawler.SiteStore) (SyncResult, error) {
	all, err := sites.ListSites(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list sites: %w", err)
	}
	res, err := s.Sync(ctx, all)
	if err != nil {
		return SyncResult{}, err
	}
	s.logger.Info("lease index synced", zap.Int("active", res.Active), zap.Int("added", res.Added), zap.Int("removed", res.Removed))
	return res, nil
}

// SiteIDs lists every site currently in the index.
func (s *Store) SiteIDs(ctx context.Context) ([]int64, error) {
	members, err := s.rdb.ZRange(ctx, s.cfg.QueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list leased sites: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring non-numeric lease member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove drops sites and their metadata from the index.
func (s *Store) Remove(ctx context.Context, siteIDs ...int64) error {
	if len(siteIDs) == 0 {
		return nil
	}
	members := make([]any, 0, len(siteIDs))
	fields := make([]string, 0, len(siteIDs))
	for _, id := range siteIDs {
		m := strconv.FormatInt(id, 10)
		members = append(members, m)
		fields = append(fields, m)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.cfg.QueueKey, members...)
		pipe.HDel(ctx, s.cfg.MetadataKey, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove sites: %w", err)
	}
	return nil
}

// NextEligibleAt returns the site's current score as a time.
func (s *Store) NextEligibleAt(ctx context.Context, siteID int64) (time.Time, bool, error) {
	score, err := s.rdb.ZScore(ctx, s.cfg.QueueKey, strconv.FormatInt(siteID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read site score: %w", err)
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// Ping checks connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
