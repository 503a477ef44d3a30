package crawler

import (
	"net/http"
	"time"
)

// TaskStatus is a state in the task state machine.
type TaskStatus string

// Task states. PENDING and IN_PROGRESS are the only non-terminal states;
// FAILED and BROKEN may return to PENDING through retry or repair.
const (
	TaskStatusPending          TaskStatus = "PENDING"
	TaskStatusInProgress       TaskStatus = "IN_PROGRESS"
	TaskStatusDone             TaskStatus = "DONE"
	TaskStatusFailed           TaskStatus = "FAILED"
	TaskStatusBroken           TaskStatus = "BROKEN"
	TaskStatusAnalysisRequired TaskStatus = "ANALYSIS_REQUIRED"
)

// Valid reports whether s is a known task state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone,
		TaskStatusFailed, TaskStatusBroken, TaskStatusAnalysisRequired:
		return true
	}
	return false
}

// Relaunchable reports whether an operator or repair may move the task back to PENDING.
func (s TaskStatus) Relaunchable() bool {
	return s == TaskStatusFailed || s == TaskStatusBroken
}

// PageType classifies a page as a listing (link source) or a content page.
type PageType string

// Page classifications.
const (
	PageTypeList    PageType = "LIST"
	PageTypeContent PageType = "CONTENT"
)

// Site is a crawl target domain as configured by operators.
type Site struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Domain    string        `json:"domain"`
	BaseURL   string        `json:"base_url"`
	Active    bool          `json:"active"`
	RateLimit time.Duration `json:"rate_limit"`
	Timeout   time.Duration `json:"timeout"`
	Priority  int           `json:"priority"`
	UserAgent string        `json:"user_agent,omitempty"`
	Headers   http.Header   `json:"headers,omitempty"`
	RenderJS  bool          `json:"render_js"`
}

// Metadata projects the scheduling-relevant attributes stored next to the lease.
func (s Site) Metadata() SiteMetadata {
	return SiteMetadata{
		RateLimitMs: s.RateLimit.Milliseconds(),
		TimeoutMs:   s.Timeout.Milliseconds(),
		Priority:    s.Priority,
		Active:      s.Active,
	}
}

// SiteMetadata is the blob stored alongside each lease entry.
type SiteMetadata struct {
	RateLimitMs int64 `json:"rate_limit_ms"`
	TimeoutMs   int64 `json:"timeout_ms"`
	Priority    int   `json:"priority"`
	Active      bool  `json:"is_active"`
}

// RateLimit returns the interval between two crawl cycles of the site.
func (m SiteMetadata) RateLimit() time.Duration {
	return time.Duration(m.RateLimitMs) * time.Millisecond
}

// Timeout returns the per-cycle timeout that also drives heartbeat cadence.
func (m SiteMetadata) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// LeasedSite is a site handed out by PopEligible together with its metadata.
type LeasedSite struct {
	SiteID   int64
	Metadata SiteMetadata
}

// PageRule describes how a class of pages on a site is recognized and processed.
type PageRule struct {
	ID              int64    `json:"id"`
	SiteID          int64    `json:"site_id"`
	Name            string   `json:"name"`
	PageType        PageType `json:"page_type"`
	URLPattern      string   `json:"url_pattern"`
	LinkSearchScope string   `json:"link_search_scope,omitempty"`
	MatchPriority   int      `json:"match_priority"`
	Active          bool     `json:"active"`
}

// RuleStatus is the health of an extraction rule.
type RuleStatus string

// Extraction rule states.
const (
	RuleStatusActive RuleStatus = "ACTIVE"
	RuleStatusBroken RuleStatus = "BROKEN"
)

// ExtractionRule maps one output field to a selector on a content page.
// An empty Attribute means the element text is extracted.
type ExtractionRule struct {
	ID         int64      `json:"id"`
	PageRuleID int64      `json:"page_rule_id"`
	Key        string     `json:"key"`
	Selector   string     `json:"selector"`
	Attribute  string     `json:"attribute,omitempty"`
	Required   bool       `json:"required"`
	Status     RuleStatus `json:"status"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
}

// PriorityCondition selects how a priority rule matches a link element.
type PriorityCondition string

// Priority rule conditions.
const (
	PrioritySelectorMatch PriorityCondition = "SELECTOR_MATCH"
	PriorityTextContains  PriorityCondition = "TEXT_CONTAINS"
)

// PriorityRule adds Bonus to a discovered link's priority when it matches.
type PriorityRule struct {
	ID         int64             `json:"id"`
	SiteID     int64             `json:"site_id"`
	Condition  PriorityCondition `json:"condition"`
	Expression string            `json:"expression"`
	Bonus      int               `json:"bonus"`
	Active     bool              `json:"active"`
}

// Seed is a recurring listing URL re-injected as a task every Interval.
type Seed struct {
	ID              int64         `json:"id"`
	SiteID          int64         `json:"site_id"`
	PageRuleID      int64         `json:"page_rule_id"`
	URL             string        `json:"url"`
	Interval        time.Duration `json:"interval"`
	Active          bool          `json:"active"`
	LastGeneratedAt *time.Time    `json:"last_generated_at,omitempty"`
}

// Due reports whether the seed should be injected at now.
func (s Seed) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	if s.LastGeneratedAt == nil {
		return true
	}
	return !s.LastGeneratedAt.Add(s.Interval).After(now)
}

// Task is a single crawl unit.
type Task struct {
	ID              int64      `json:"id"`
	SiteID          int64      `json:"site_id"`
	PageRuleID      int64      `json:"page_rule_id,omitempty"`
	SeedID          int64      `json:"seed_id,omitempty"`
	ParentID        int64      `json:"parent_id,omitempty"`
	URL             string     `json:"url"`
	URLHash         string     `json:"url_hash"`
	PageType        PageType   `json:"page_type"`
	Status          TaskStatus `json:"status"`
	Priority        int        `json:"priority"`
	Depth           int        `json:"depth"`
	RetryCount      int        `json:"retry_count"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewTask is the input of the upsert-or-relaunch operation.
type NewTask struct {
	SiteID     int64
	PageRuleID int64
	SeedID     int64
	ParentID   int64
	URL        string
	URLHash    string
	PageType   PageType
	Priority   int
	Depth      int
}

// TaskTransition is a state change recorded by the executor.
type TaskTransition struct {
	TaskID     int64
	Status     TaskStatus
	RetryCount int
	NextRunAt  time.Time
}

// ArchiveResult reports how many DONE tasks were copied and removed.
type ArchiveResult struct {
	Copied  int64
	Deleted int64
}

// RuleTarget says which selector a rule change touched.
type RuleTarget string

// Rule change targets.
const (
	RuleTargetLinkScope RuleTarget = "LINK_SCOPE"
	RuleTargetField     RuleTarget = "FIELD"
)

// RuleChange is one append-only audit entry for a selector mutation.
type RuleChange struct {
	ID          int64      `json:"id"`
	Target      RuleTarget `json:"target"`
	RuleID      int64      `json:"rule_id"`
	TaskID      int64      `json:"task_id"`
	OldSelector string     `json:"old_selector"`
	NewSelector string     `json:"new_selector"`
	Reason      string     `json:"reason"`
	Verified    bool       `json:"verified"`
	UpdatedBy   string     `json:"updated_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CrawledRecord is the structured payload extracted from a content page.
type CrawledRecord struct {
	TaskID    int64             `json:"task_id"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields"`
	CrawledAt time.Time         `json:"crawled_at"`
}

// CrawledItemEvent is published downstream for each extracted content item.
type CrawledItemEvent struct {
	TaskID    int64     `json:"task_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	URL       string    `json:"url"`
	CrawledAt time.Time `json:"crawled_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL       string
	Headers   http.Header
	Timeout   time.Duration
	UserAgent string
	Proxy     *Proxy
}

// FetchResponse is the raw result of a successful fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Proxy is an outbound proxy endpoint with its health counters.
type Proxy struct {
	ID         int64      `json:"id"`
	URL        string     `json:"url"`
	Active     bool       `json:"active"`
	FailCount  int        `json:"fail_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// UserAgent is one entry of the user-agent rotation pool.
type UserAgent struct {
	ID     int64  `json:"id"`
	Value  string `json:"value"`
	Mobile bool   `json:"mobile"`
	Active bool   `json:"active"`
}

// Objective tells the selector recommender which kind of element to find.
type Objective string

// Recommendation objectives.
const (
	ObjectiveDiscoveryScope Objective = "DISCOVERY_SCOPE"
	ObjectiveDataExtraction Objective = "DATA_EXTRACTION"
)

// Recommendation is a selector proposal. A blank Selector means no recommendation.
type Recommendation struct {
	Selector string `json:"selector"`
	Reason   string `json:"reason"`
}

// SiteStats aggregates one site's crawl activity for one UTC day. Used both
// as a stored row and as a delta to add to one.
type SiteStats struct {
	SiteID      int64     `json:"site_id"`
	Day         time.Time `json:"day"`
	Fetches     int64     `json:"fetches"`
	FetchErrors int64     `json:"fetch_errors"`
	Bytes       int64     `json:"bytes"`
	Done        int64     `json:"done"`
	Retried     int64     `json:"retried"`
	Failed      int64     `json:"failed"`
	Broken      int64     `json:"broken"`
}

// Empty reports whether the delta carries no counts.
func (s SiteStats) Empty() bool {
	return s.Fetches == 0 && s.FetchErrors == 0 && s.Bytes == 0 &&
		s.Done == 0 && s.Retried == 0 && s.Failed == 0 && s.Broken == 0
}
