// Package detector decides when a plain fetch must be redone in a headless browser.
package detector

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"golang.org/x/net/html"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Config tunes the promotion heuristics.
type Config struct {
	// MinBodyBytes promotes script-heavy bodies shorter than this.
	MinBodyBytes int `mapstructure:"min_body_bytes"`
	// ScriptPercent is the share of body bytes inside <script> that counts as script-heavy.
	ScriptPercent int `mapstructure:"script_percent"`
	// Keywords promote a page when any appears in its text (case-insensitive).
	Keywords []string `mapstructure:"keywords"`
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Heuristic implements crawler.HeadlessDetector with body-shape signals.
type Heuristic struct {
	minBody       int
	scriptPercent int
	keywords      [][]byte
}

// NewHeuristic builds a detector, applying defaults for zero values.
func NewHeuristic(cfg Config) *Heuristic {
	if cfg.MinBodyBytes == 0 {
		cfg.MinBodyBytes = 2048
	}
	if cfg.ScriptPercent == 0 {
		cfg.ScriptPercent = 25
	}
	keywords := make([][]byte, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw := bytes.ToLower(bytes.TrimSpace([]byte(kw)))
		if len(kw) > 0 {
			keywords = append(keywords, kw)
		}
	}
	return &Heuristic{minBody: cfg.MinBodyBytes, scriptPercent: cfg.ScriptPercent, keywords: keywords}
}

// ShouldPromote reports whether resp looks like an unrendered client-side app.
// Only successful responses are considered.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(h.keywords) > 0 {
		lower := bytes.ToLower(body)
		for _, kw := range h.keywords {
			if bytes.Contains(lower, kw) {
				return true
			}
		}
	}
	return len(body) < h.minBody && scriptShare(body)*100 >= float64(h.scriptPercent)
}

// scriptShare returns the fraction of body bytes that belong to script elements.
func scriptShare(body []byte) float64 {
	z := html.NewTokenizer(bytes.NewReader(body))
	var inScript, total int
	depth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if !errors.Is(z.Err(), io.EOF) {
				return 0
			}
			break
		}
		n := len(z.Raw())
		total += n
		name, _ := z.TagName()
		switch {
		case tt == html.StartTagToken && string(name) == "script":
			depth++
			inScript += n
		case tt == html.EndTagToken && string(name) == "script":
			if depth > 0 {
				depth--
			}
			inScript += n
		case depth > 0:
			inScript += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(inScript) / float64(total)
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)
