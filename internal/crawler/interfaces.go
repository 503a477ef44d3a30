package crawler

import (
	"context"
	"io"
	"time"
)

// LeaseStore is the shared scheduling index of sites.
type LeaseStore interface {
	PopEligible(ctx context.Context, limit int, leaseDuration time.Duration) ([]LeasedSite, error)
	ExtendLease(ctx context.Context, siteID int64, extension time.Duration) error
	CompleteAndReschedule(ctx context.Context, siteID int64, delay time.Duration) error
}

// DedupWindow answers whether a value was seen recently.
type DedupWindow interface {
	SeenOrMark(ctx context.Context, value string) (bool, error)
	Seen(ctx context.Context, value string) (bool, error)
	Mark(ctx context.Context, value string) error
}

// TaskStore persists tasks and their state transitions.
type TaskStore interface {
	UpsertTask(ctx context.Context, task NewTask, at time.Time) (int64, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	NextPendingTask(ctx context.Context, siteID int64, now time.Time) (Task, bool, error)
	StartTask(ctx context.Context, id int64, workerID string, at time.Time) error
	TransitionTask(ctx context.Context, transition TaskTransition) error
	RelaunchTask(ctx context.Context, id int64, at time.Time) error
	TouchBrokenTask(ctx context.Context, id int64, at time.Time) error
	CompleteListing(ctx context.Context, taskID int64, children []NewTask, at time.Time) error
	CompleteContent(ctx context.Context, record CrawledRecord) error
	ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	ReclaimStuckTasks(ctx context.Context, cutoff time.Time) (int64, error)
	ArchiveDoneTasks(ctx context.Context, before time.Time) (ArchiveResult, error)
}

// RuleStore reads page, extraction, and priority rules and records repairs.
type RuleStore interface {
	GetPageRule(ctx context.Context, id int64) (PageRule, error)
	ListPageRules(ctx context.Context, siteID int64) ([]PageRule, error)
	ListExtractionRules(ctx context.Context, pageRuleID int64) ([]ExtractionRule, error)
	ListPriorityRules(ctx context.Context, siteID int64) ([]PriorityRule, error)
	ApplyRuleChange(ctx context.Context, change RuleChange) error
	ListRuleChanges(ctx context.Context, target RuleTarget, ruleID int64) ([]RuleChange, error)
}

// SiteStore exposes the operator-managed site configuration.
type SiteStore interface {
	ListSites(ctx context.Context) ([]Site, error)
	GetSite(ctx context.Context, id int64) (Site, error)
}

// SeedStore exposes recurring listing seeds.
type SeedStore interface {
	DueSeeds(ctx context.Context, siteID int64, now time.Time) ([]Seed, error)
	MarkSeedGenerated(ctx context.Context, seedID int64, at time.Time) error
}

// ProxyStore backs the proxy rotation pool.
type ProxyStore interface {
	AllocateProxy(ctx context.Context, at time.Time) (Proxy, bool, error)
	ReportProxy(ctx context.Context, id int64, penalty int, deactivateAt int) error
}

// UserAgentStore backs the user-agent rotation cache.
type UserAgentStore interface {
	ListUserAgents(ctx context.Context) ([]UserAgent, error)
	DeactivateUserAgent(ctx context.Context, id int64) error
}

// SiteStatsStore accumulates per-site daily crawl counters.
type SiteStatsStore interface {
	AddSiteStats(ctx context.Context, delta SiteStats) error
	ListSiteStats(ctx context.Context, siteID int64, since time.Time) ([]SiteStats, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain fetch should be redone in a browser.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Recommender proposes a CSS selector for an element described in prose.
type Recommender interface {
	RecommendSelector(ctx context.Context, html, description string, objective Objective) (Recommendation, error)
}

// Publisher pushes downstream events keyed by key.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for task uniqueness.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
