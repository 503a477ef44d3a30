package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// BasePriority is the starting priority of every discovered link.
const BasePriority = 50

// Link is a discovered same-site URL and the anchor it came from.
type Link struct {
	URL    string
	Anchor *goquery.Selection
}

// Links returns the distinct same-site links under scope, in document order.
// The page's own URL is excluded.
func (d *Document) Links(scope, domain string) []Link {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = DefaultScope
	}
	self := d.base.String()
	if d.base.Fragment != "" {
		u := *d.base
		u.Fragment, u.RawFragment = "", ""
		self = u.String()
	}
	seen := make(map[string]struct{})
	var links []Link
	d.doc.Find(scope).Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := crawler.ResolveLink(d.base, href)
		if !ok || abs == self {
			return
		}
		host, err := crawler.HostOf(abs)
		if err != nil || !crawler.SameSite(host, domain) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, Link{URL: abs, Anchor: a})
	})
	return links
}

// Priority scores an anchor: BasePriority plus the bonus of every matching rule.
func Priority(anchor *goquery.Selection, rules []crawler.PriorityRule) int {
	score := BasePriority
	text := strings.ToLower(anchor.Text())
	for _, rule := range rules {
		if !rule.Active || strings.TrimSpace(rule.Expression) == "" {
			continue
		}
		switch rule.Condition {
		case crawler.PrioritySelectorMatch:
			if anchor.Is(rule.Expression) {
				score += rule.Bonus
			}
		case crawler.PriorityTextContains:
			if strings.Contains(text, strings.ToLower(rule.Expression)) {
				score += rule.Bonus
			}
		}
	}
	return score
}
