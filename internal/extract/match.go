package extract

import (
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Matcher picks the page rule whose URL pattern fully matches a URL.
// Compiled patterns are cached; invalid patterns never match.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewMatcher returns an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*regexp.Regexp)}
}

// Match returns the first rule, in the given order, whose pattern matches
// rawURL in full. Callers pass rules sorted by match priority.
func (m *Matcher) Match(rules []crawler.PageRule, rawURL string) (crawler.PageRule, bool) {
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		re := m.compile(rule.URLPattern)
		if re != nil && re.MatchString(rawURL) {
			return rule, true
		}
	}
	return crawler.PageRule{}, false
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	m.mu.RLock()
	re, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		re = nil
	}
	m.mu.Lock()
	m.cache[pattern] = re
	m.mu.Unlock()
	return re
}
