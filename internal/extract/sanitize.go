package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// MaxTextRunes is the length beyond which sanitized text nodes are truncated.
const MaxTextRunes = 15

var noiseSelectors = []string{
	"script", "style", "svg", "iframe", "noscript", "link", "meta",
	"header", "footer", "nav", "aside",
	".footer", ".bottom", "#footer", ".copyright", ".ad", ".banner",
}

var keptAttrs = map[string]bool{"id": true, "class": true, "name": true}

// Sanitize reduces a page to its structural skeleton: noise elements and
// comments are dropped, only id/class/name attributes survive, and text is
// collapsed and truncated. It returns the inner HTML of body.
func Sanitize(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return "", nil
	}
	var drop []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.CommentNode:
				drop = append(drop, c)
			case html.TextNode:
				text := strings.Join(strings.Fields(c.Data), " ")
				if text == "" {
					drop = append(drop, c)
					continue
				}
				c.Data = truncateRunes(text, MaxTextRunes)
			case html.ElementNode:
				c.Attr = filterAttrs(c.Attr)
				walk(c)
			}
		}
	}
	walk(body.Get(0))
	for _, n := range drop {
		n.Parent.RemoveChild(n)
	}
	out, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render sanitized html: %w", err)
	}
	return out, nil
}

func filterAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.Namespace == "" && keptAttrs[strings.ToLower(a.Key)] {
			kept = append(kept, a)
		}
	}
	return kept
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
