package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const listingHTML = `<html><body>
<header><a href="/login">Login</a></header>
<ul class="news">
  <li><a class="headline" href="/news/1#comments">Breaking: markets rally</a></li>
  <li><a href="/news/2">Weather today</a></li>
  <li><a href="/news/2">Weather today (dup)</a></li>
  <li><a href="https://other.com/x">Elsewhere</a></li>
  <li><a href="#top">Top</a></li>
  <li><a href="  ">blank</a></li>
  <li><a href="mailto:desk@example.com">Mail</a></li>
  <li><a href="https://m.example.com/news/3">Mobile</a></li>
  <li><a href="/list">Self</a></li>
</ul>
</body></html>`

func mustParse(t *testing.T, pageURL, body string) *Document {
	t.Helper()
	doc, err := Parse(pageURL, []byte(body))
	require.NoError(t, err)
	return doc
}

func TestLinksInScope(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, "https://www.example.com/list", listingHTML)

	links := doc.Links("ul.news", "example.com")
	var urls []string
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	require.Equal(t, []string{
		"https://www.example.com/news/1",
		"https://www.example.com/news/2",
		"https://m.example.com/news/3",
	}, urls)
}

func TestLinksDefaultScopeAndMissingScope(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, "https://www.example.com/list", listingHTML)

	require.Len(t, doc.Links("", "example.com"), 4)
	require.Empty(t, doc.Links("div.gone", "example.com"))
	require.Empty(t, doc.Links("ul[", "example.com"))
}

func TestPriority(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, "https://www.example.com/list", listingHTML)
	links := doc.Links("ul.news", "example.com")
	rules := []crawler.PriorityRule{
		{Condition: crawler.PrioritySelectorMatch, Expression: "a.headline", Bonus: 30, Active: true},
		{Condition: crawler.PriorityTextContains, Expression: "BREAKING", Bonus: 20, Active: true},
		{Condition: crawler.PriorityTextContains, Expression: "weather", Bonus: -10, Active: true},
		{Condition: crawler.PriorityTextContains, Expression: "markets", Bonus: 99, Active: false},
	}

	require.Equal(t, 100, Priority(links[0].Anchor, rules))
	require.Equal(t, 40, Priority(links[1].Anchor, rules))
	require.Equal(t, BasePriority, Priority(links[2].Anchor, rules))
}

func TestMatcherPicksFirstFullMatch(t *testing.T) {
	t.Parallel()
	m := NewMatcher()
	rules := []crawler.PageRule{
		{ID: 1, URLPattern: `https://www\.example\.com/news/\d+`, MatchPriority: 10, Active: true},
		{ID: 2, URLPattern: `https://www\.example\.com/.*`, MatchPriority: 0, Active: true},
		{ID: 3, URLPattern: `(`, Active: true},
	}

	rule, ok := m.Match(rules, "https://www.example.com/news/12")
	require.True(t, ok)
	require.Equal(t, int64(1), rule.ID)

	rule, ok = m.Match(rules, "https://www.example.com/news/12/comments")
	require.True(t, ok)
	require.Equal(t, int64(2), rule.ID)

	_, ok = m.Match(rules, "https://other.com/news/12")
	require.False(t, ok)
	_, ok = m.Match(rules[:1], "xhttps://www.example.com/news/12")
	require.False(t, ok)
}

func TestFields(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, "https://www.example.com/news/1", `<html><body>
<h1 class="title">  Markets
  rally </h1>
<img class="hero" data-src="/img/1.jpg">
<a class="source" href="https://src.example.com">src</a>
</body></html>`)

	rules := []crawler.ExtractionRule{
		{Key: "title", Selector: "h1.title", Required: true},
		{Key: "image", Selector: "img.hero", Attribute: "src"},
		{Key: "source", Selector: "a.source", Attribute: "href"},
		{Key: "content", Selector: "div.article", Required: true},
		{Key: "author", Selector: "span.author"},
	}
	values, missing := doc.Fields(rules)
	require.Equal(t, map[string]string{
		"title":  "Markets rally",
		"image":  "/img/1.jpg",
		"source": "https://src.example.com",
	}, values)
	require.Equal(t, []string{"content"}, missing)
	require.Empty(t, doc.Select("", ""))
}
