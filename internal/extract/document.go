// Package extract applies page, priority, and extraction rules to fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// DefaultScope is the link-search scope used when a rule does not set one.
const DefaultScope = "body"

// Document is a parsed page bound to the URL it was fetched from.
type Document struct {
	doc  *goquery.Document
	base *url.URL
	raw  []byte
}

// Parse builds a Document from a fetched body.
func Parse(pageURL string, body []byte) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc, base: base, raw: body}, nil
}

// URL returns the page URL.
func (d *Document) URL() *url.URL { return d.base }

// Raw returns the body the document was parsed from.
func (d *Document) Raw() []byte { return d.raw }

// Selection exposes the underlying goquery document.
func (d *Document) Selection() *goquery.Selection { return d.doc.Selection }

// Select reads the first element matching selector: its attribute when
// attribute is set, its normalized text otherwise. An invalid selector
// yields an empty string.
func (d *Document) Select(selector, attribute string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ""
	}
	return valueOf(d.doc.Find(selector).First(), attribute)
}

func valueOf(sel *goquery.Selection, attribute string) string {
	if sel.Length() == 0 {
		return ""
	}
	attribute = strings.TrimSpace(attribute)
	if attribute == "" {
		return normalizeSpace(sel.Text())
	}
	v, _ := sel.Attr(attribute)
	if strings.TrimSpace(v) == "" && attribute == "src" {
		v, _ = sel.Attr("data-src")
	}
	return strings.TrimSpace(v)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fields evaluates every rule and returns the extracted values plus the keys
// of required rules that came back blank.
func (d *Document) Fields(rules []crawler.ExtractionRule) (map[string]string, []string) {
	values := make(map[string]string, len(rules))
	var missing []string
	for _, rule := range rules {
		v := d.Select(rule.Selector, rule.Attribute)
		if v == "" {
			if rule.Required {
				missing = append(missing, rule.Key)
			}
			continue
		}
		values[rule.Key] = v
	}
	return values, missing
}
