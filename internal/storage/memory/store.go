// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Store keeps every crawl table in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	nextID int64

	sites           map[int64]crawler.Site
	pageRules       map[int64]crawler.PageRule
	extractionRules map[int64]crawler.ExtractionRule
	priorityRules   map[int64]crawler.PriorityRule
	seeds           map[int64]crawler.Seed
	tasks           map[int64]crawler.Task
	taskByHash      map[string]int64
	history         map[int64]crawler.Task
	records         []crawler.CrawledRecord
	changes         []crawler.RuleChange
	proxies         map[int64]crawler.Proxy
	userAgents      map[int64]crawler.UserAgent
	stats           map[statsKey]crawler.SiteStats
}

type statsKey struct {
	siteID int64
	day    time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:           make(map[int64]crawler.Site),
		pageRules:       make(map[int64]crawler.PageRule),
		extractionRules: make(map[int64]crawler.ExtractionRule),
		priorityRules:   make(map[int64]crawler.PriorityRule),
		seeds:           make(map[int64]crawler.Seed),
		tasks:           make(map[int64]crawler.Task),
		taskByHash:      make(map[string]int64),
		history:         make(map[int64]crawler.Task),
		proxies:         make(map[int64]crawler.Proxy),
		userAgents:      make(map[int64]crawler.UserAgent),
		stats:           make(map[statsKey]crawler.SiteStats),
	}
}

func (s *Store) allocID(id int64) int64 {
	if id > 0 {
		if id > s.nextID {
			s.nextID = id
		}
		return id
	}
	s.nextID++
	return s.nextID
}

// PutSite inserts or replaces a site and returns its id.
func (s *Store) PutSite(site crawler.Site) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	site.ID = s.allocID(site.ID)
	s.sites[site.ID] = site
	return site.ID
}

// PutPageRule inserts or replaces a page rule and returns its id.
func (s *Store) PutPageRule(rule crawler.PageRule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.allocID(rule.ID)
	s.pageRules[rule.ID] = rule
	return rule.ID
}

// PutExtractionRule inserts or replaces an extraction rule and returns its id.
func (s *Store) PutExtractionRule(rule crawler.ExtractionRule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.allocID(rule.ID)
	if rule.Status == "" {
		rule.Status = crawler.RuleStatusActive
	}
	s.extractionRules[rule.ID] = rule
	return rule.ID
}

// PutPriorityRule inserts or replaces a priority rule and returns its id.
func (s *Store) PutPriorityRule(rule crawler.PriorityRule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.allocID(rule.ID)
	s.priorityRules[rule.ID] = rule
	return rule.ID
}

// PutSeed inserts or replaces a seed and returns its id.
func (s *Store) PutSeed(seed crawler.Seed) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed.ID = s.allocID(seed.ID)
	s.seeds[seed.ID] = seed
	return seed.ID
}

// PutProxy inserts or replaces a proxy and returns its id.
func (s *Store) PutProxy(p crawler.Proxy) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.allocID(p.ID)
	s.proxies[p.ID] = p
	return p.ID
}

// PutUserAgent inserts or replaces a user agent and returns its id.
func (s *Store) PutUserAgent(ua crawler.UserAgent) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ua.ID = s.allocID(ua.ID)
	s.userAgents[ua.ID] = ua
	return ua.ID
}

// Records returns a copy of every stored content record.
func (s *Store) Records() []crawler.CrawledRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawledRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ArchivedTask returns an archived task by id.
func (s *Store) ArchivedTask(id int64) (crawler.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.history[id]
	return task, ok
}

// ExtractionRule returns an extraction rule by id.
func (s *Store) ExtractionRule(id int64) (crawler.ExtractionRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.extractionRules[id]
	return rule, ok
}

// SetTask overwrites a task row as-is. Useful to stage states in tests.
func (s *Store) SetTask(task crawler.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.ID = s.allocID(task.ID)
	s.tasks[task.ID] = task
	if task.URLHash != "" {
		s.taskByHash[task.URLHash] = task.ID
	}
}

// UpsertTask inserts a task or relaunches the row sharing its URL hash.
func (s *Store) UpsertTask(_ context.Context, task crawler.NewTask, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(task, at)
}

func (s *Store) upsertLocked(in crawler.NewTask, at time.Time) (int64, error) {
	if in.URLHash == "" {
		return 0, fmt.Errorf("task url hash is required")
	}
	if id, ok := s.taskByHash[in.URLHash]; ok {
		task := s.tasks[id]
		task.Status = crawler.TaskStatusPending
		task.Priority = in.Priority
		task.PageRuleID = in.PageRuleID
		task.RetryCount = 0
		task.NextRunAt = at
		task.LastProcessedAt = nil
		task.UpdatedAt = at
		s.tasks[id] = task
		return id, nil
	}
	id := s.allocID(0)
	s.tasks[id] = crawler.Task{
		ID:         id,
		SiteID:     in.SiteID,
		PageRuleID: in.PageRuleID,
		SeedID:     in.SeedID,
		ParentID:   in.ParentID,
		URL:        in.URL,
		URLHash:    in.URLHash,
		PageType:   in.PageType,
		Status:     crawler.TaskStatusPending,
		Priority:   in.Priority,
		Depth:      in.Depth,
		NextRunAt:  at,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	s.taskByHash[in.URLHash] = id
	return id, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(_ context.Context, id int64) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.Task{}, fmt.Errorf("task %d: %w", id, crawler.ErrNotFound)
	}
	return task, nil
}

// NextPendingTask returns the highest-priority due PENDING task of a site.
func (s *Store) NextPendingTask(_ context.Context, siteID int64, now time.Time) (crawler.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.Task
		found bool
	)
	for _, task := range s.tasks {
		if task.SiteID != siteID || task.Status != crawler.TaskStatusPending || task.NextRunAt.After(now) {
			continue
		}
		if !found || task.Priority > best.Priority || (task.Priority == best.Priority && task.ID < best.ID) {
			best, found = task, true
		}
	}
	return best, found, nil
}

// StartTask claims a PENDING task.
func (s *Store) StartTask(_ context.Context, id int64, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("start task %d: %w", id, crawler.ErrNotFound)
	}
	if task.Status != crawler.TaskStatusPending {
		return fmt.Errorf("start task %d: %w", id, crawler.ErrTaskNotPending)
	}
	task.Status = crawler.TaskStatusInProgress
	task.LastProcessedAt = &at
	task.WorkerID = workerID
	task.UpdatedAt = at
	s.tasks[id] = task
	return nil
}

// TransitionTask records an executor outcome.
func (s *Store) TransitionTask(_ context.Context, tr crawler.TaskTransition) error {
	if !tr.Status.Valid() {
		return fmt.Errorf("transition task %d: invalid status %q", tr.TaskID, tr.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[tr.TaskID]
	if !ok {
		return fmt.Errorf("transition task %d: %w", tr.TaskID, crawler.ErrNotFound)
	}
	task.Status = tr.Status
	task.RetryCount = tr.RetryCount
	task.NextRunAt = tr.NextRunAt
	task.UpdatedAt = time.Now().UTC()
	s.tasks[tr.TaskID] = task
	return nil
}

// RelaunchTask returns a FAILED or BROKEN task to PENDING.
func (s *Store) RelaunchTask(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("relaunch task %d: %w", id, crawler.ErrNotFound)
	}
	if !task.Status.Relaunchable() {
		return fmt.Errorf("relaunch task %d: %w", id, crawler.ErrNotRelaunchable)
	}
	task.Status = crawler.TaskStatusPending
	task.RetryCount = 0
	task.NextRunAt = at
	task.LastProcessedAt = nil
	task.UpdatedAt = at
	s.tasks[id] = task
	return nil
}

// TouchBrokenTask moves a BROKEN task to the back of the healing queue.
func (s *Store) TouchBrokenTask(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("touch task %d: %w", id, crawler.ErrNotFound)
	}
	if task.Status == crawler.TaskStatusBroken {
		task.UpdatedAt = at
		s.tasks[id] = task
	}
	return nil
}

// CompleteListing upserts the children and marks the listing DONE atomically.
func (s *Store) CompleteListing(_ context.Context, taskID int64, children []crawler.NewTask, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("complete listing %d: %w", taskID, crawler.ErrNotFound)
	}
	for _, child := range children {
		if child.URLHash == "" {
			return fmt.Errorf("complete listing %d: child %s has no hash", taskID, child.URL)
		}
	}
	for _, child := range children {
		if _, err := s.upsertLocked(child, at); err != nil {
			return err
		}
	}
	task.Status = crawler.TaskStatusDone
	task.RetryCount = 0
	task.UpdatedAt = at
	s.tasks[taskID] = task
	return nil
}

// CompleteContent stores the record and marks the task DONE atomically.
func (s *Store) CompleteContent(_ context.Context, record crawler.CrawledRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[record.TaskID]
	if !ok {
		return fmt.Errorf("complete content %d: %w", record.TaskID, crawler.ErrNotFound)
	}
	fields := make(map[string]string, len(record.Fields))
	for k, v := range record.Fields {
		fields[k] = v
	}
	record.Fields = fields
	s.records = append(s.records, record)
	task.Status = crawler.TaskStatusDone
	task.RetryCount = 0
	task.UpdatedAt = record.CrawledAt
	s.tasks[record.TaskID] = task
	return nil
}

// ListTasksByStatus returns up to limit tasks in status, least recently updated first.
func (s *Store) ListTasksByStatus(_ context.Context, status crawler.TaskStatus, limit int) ([]crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Task
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReclaimStuckTasks fails IN_PROGRESS tasks that started before cutoff.
func (s *Store) ReclaimStuckTasks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, task := range s.tasks {
		if task.Status != crawler.TaskStatusInProgress || task.LastProcessedAt == nil || !task.LastProcessedAt.Before(cutoff) {
			continue
		}
		task.Status = crawler.TaskStatusFailed
		task.RetryCount++
		task.UpdatedAt = time.Now().UTC()
		s.tasks[id] = task
		n++
	}
	return n, nil
}

// ArchiveDoneTasks moves DONE tasks last updated before the cutoff into history.
func (s *Store) ArchiveDoneTasks(_ context.Context, before time.Time) (crawler.ArchiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res crawler.ArchiveResult
	for id, task := range s.tasks {
		if task.Status != crawler.TaskStatusDone || !task.UpdatedAt.Before(before) {
			continue
		}
		if _, exists := s.history[id]; !exists {
			s.history[id] = task
			res.Copied++
		}
		delete(s.tasks, id)
		delete(s.taskByHash, task.URLHash)
		res.Deleted++
	}
	return res, nil
}

// GetPageRule loads a page rule by id.
func (s *Store) GetPageRule(_ context.Context, id int64) (crawler.PageRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.pageRules[id]
	if !ok {
		return crawler.PageRule{}, fmt.Errorf("page rule %d: %w", id, crawler.ErrNotFound)
	}
	return rule, nil
}

// ListPageRules returns the site's active page rules by match priority.
func (s *Store) ListPageRules(_ context.Context, siteID int64) ([]crawler.PageRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.PageRule
	for _, rule := range s.pageRules {
		if rule.SiteID == siteID && rule.Active {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchPriority != out[j].MatchPriority {
			return out[i].MatchPriority > out[j].MatchPriority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListExtractionRules returns the field rules of a page rule.
func (s *Store) ListExtractionRules(_ context.Context, pageRuleID int64) ([]crawler.ExtractionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ExtractionRule
	for _, rule := range s.extractionRules {
		if rule.PageRuleID == pageRuleID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPriorityRules returns the site's active priority rules.
func (s *Store) ListPriorityRules(_ context.Context, siteID int64) ([]crawler.PriorityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.PriorityRule
	for _, rule := range s.priorityRules {
		if rule.SiteID == siteID && rule.Active {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyRuleChange swaps a selector when it still holds OldSelector and records the change.
func (s *Store) ApplyRuleChange(_ context.Context, change crawler.RuleChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch change.Target {
	case crawler.RuleTargetLinkScope:
		rule, ok := s.pageRules[change.RuleID]
		if !ok {
			return fmt.Errorf("page rule %d: %w", change.RuleID, crawler.ErrNotFound)
		}
		current := strings.TrimSpace(rule.LinkSearchScope)
		if current == "" {
			current = "body"
		}
		if current != change.OldSelector {
			return fmt.Errorf("update %s rule %d: %w", change.Target, change.RuleID, crawler.ErrRuleChanged)
		}
		rule.LinkSearchScope = change.NewSelector
		s.pageRules[rule.ID] = rule
	case crawler.RuleTargetField:
		rule, ok := s.extractionRules[change.RuleID]
		if !ok {
			return fmt.Errorf("extraction rule %d: %w", change.RuleID, crawler.ErrNotFound)
		}
		if rule.Selector != change.OldSelector {
			return fmt.Errorf("update %s rule %d: %w", change.Target, change.RuleID, crawler.ErrRuleChanged)
		}
		rule.Selector = change.NewSelector
		rule.Status = crawler.RuleStatusActive
		rule.UpdatedBy = change.UpdatedBy
		s.extractionRules[rule.ID] = rule
	default:
		return fmt.Errorf("unknown rule target %q", change.Target)
	}
	change.ID = s.allocID(0)
	s.changes = append(s.changes, change)
	return nil
}

// ListRuleChanges returns the audit trail of one rule, oldest first.
func (s *Store) ListRuleChanges(_ context.Context, target crawler.RuleTarget, ruleID int64) ([]crawler.RuleChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.RuleChange
	for _, c := range s.changes {
		if c.Target == target && c.RuleID == ruleID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListSites returns every site ordered by id.
func (s *Store) ListSites(_ context.Context) ([]crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSite loads a site by id.
func (s *Store) GetSite(_ context.Context, id int64) (crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.Site{}, fmt.Errorf("site %d: %w", id, crawler.ErrNotFound)
	}
	return site, nil
}

// DueSeeds returns the site's seeds due at now.
func (s *Store) DueSeeds(_ context.Context, siteID int64, now time.Time) ([]crawler.Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Seed
	for _, seed := range s.seeds {
		if seed.SiteID == siteID && seed.Due(now) {
			out = append(out, seed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkSeedGenerated stamps the seed's last injection time.
func (s *Store) MarkSeedGenerated(_ context.Context, seedID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.seeds[seedID]
	if !ok {
		return fmt.Errorf("seed %d: %w", seedID, crawler.ErrNotFound)
	}
	seed.LastGeneratedAt = &at
	s.seeds[seedID] = seed
	return nil
}

// AllocateProxy returns the least recently used active proxy.
func (s *Store) AllocateProxy(_ context.Context, at time.Time) (crawler.Proxy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  crawler.Proxy
		found bool
	)
	for _, p := range s.proxies {
		if !p.Active {
			continue
		}
		if !found || lessRecentlyUsed(p, best) {
			best, found = p, true
		}
	}
	if !found {
		return crawler.Proxy{}, false, nil
	}
	best.LastUsedAt = &at
	s.proxies[best.ID] = best
	return best, true, nil
}

func lessRecentlyUsed(a, b crawler.Proxy) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	default:
		return a.ID < b.ID
	}
}

// ReportProxy resets or penalizes a proxy's failure count.
func (s *Store) ReportProxy(_ context.Context, id int64, penalty int, deactivateAt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, crawler.ErrNotFound)
	}
	if penalty <= 0 {
		p.FailCount = 0
	} else {
		p.FailCount += penalty
		p.Active = p.FailCount < deactivateAt
	}
	s.proxies[id] = p
	return nil
}

// ListUserAgents returns the active user agents.
func (s *Store) ListUserAgents(_ context.Context) ([]crawler.UserAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.UserAgent
	for _, ua := range s.userAgents {
		if ua.Active {
			out = append(out, ua)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeactivateUserAgent removes a user agent from rotation.
func (s *Store) DeactivateUserAgent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ua, ok := s.userAgents[id]
	if !ok {
		return fmt.Errorf("user agent %d: %w", id, crawler.ErrNotFound)
	}
	ua.Active = false
	s.userAgents[id] = ua
	return nil
}

// AddSiteStats adds delta to the counters of its site and day.
func (s *Store) AddSiteStats(_ context.Context, delta crawler.SiteStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey{siteID: delta.SiteID, day: delta.Day.UTC()}
	row := s.stats[key]
	row.SiteID, row.Day = key.siteID, key.day
	row.Fetches += delta.Fetches
	row.FetchErrors += delta.FetchErrors
	row.Bytes += delta.Bytes
	row.Done += delta.Done
	row.Retried += delta.Retried
	row.Failed += delta.Failed
	row.Broken += delta.Broken
	s.stats[key] = row
	return nil
}

// ListSiteStats returns the daily rows of siteID from since onward, oldest first.
func (s *Store) ListSiteStats(_ context.Context, siteID int64, since time.Time) ([]crawler.SiteStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.SiteStats
	for key, row := range s.stats {
		if key.siteID == siteID && !key.day.Before(since) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

var (
	_ crawler.TaskStore      = (*Store)(nil)
	_ crawler.RuleStore      = (*Store)(nil)
	_ crawler.SiteStore      = (*Store)(nil)
	_ crawler.SeedStore      = (*Store)(nil)
	_ crawler.ProxyStore     = (*Store)(nil)
	_ crawler.UserAgentStore = (*Store)(nil)
	_ crawler.SiteStatsStore = (*Store)(nil)
)
