// Package llm holds the provider-independent parts of selector
// recommendation: prompt construction and response parsing.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// MaxHTMLChars bounds the page skeleton sent to a model.
const MaxHTMLChars = 15000

const truncatedMarker = "...(truncated)"

const discoveryInstruction = `ROLE: CSS selector generator.
TASK: Find the CSS selector of the PARENT CONTAINER that wraps the list items described by the user.

EXAMPLE
Description: "The main list of product cards."
HTML: <div id="main"><section class="products"><div class="card">...</div><div class="card">...</div></section></div>
Output: {"selector": "section.products", "reason": "The section with class 'products' wraps every .card item."}

RULES
1. Analyze the HTML provided by the user.
2. Identify the wrapper element for the description.
3. Return ONLY a JSON object with the keys "selector" and "reason".
4. Do not extract content. Return the CSS selector string only.`

const extractionInstruction = `ROLE: CSS selector generator.
TASK: Find the CSS selector of the specific LEAF ELEMENT that holds the data described by the user.

EXAMPLE
Description: "The product price text."
HTML: <div class="card"><h2 class="title">Item</h2><span id="price-tag">$100</span></div>
Output: {"selector": "span#price-tag", "reason": "The span with id 'price-tag' holds the price text."}

RULES
1. Analyze the HTML provided by the user.
2. Identify the unique element for the description.
3. Return ONLY a JSON object with the keys "selector" and "reason".
4. For an image, select the <img> tag.
5. Do not extract content. Return the CSS selector string only.`

// TruncateHTML caps html at MaxHTMLChars characters.
func TruncateHTML(html string) string {
	if utf8.RuneCountInString(html) <= MaxHTMLChars {
		return html
	}
	return string([]rune(html)[:MaxHTMLChars]) + truncatedMarker
}

// SystemPrompt returns the instruction for objective.
func SystemPrompt(objective crawler.Objective) string {
	if objective == crawler.ObjectiveDiscoveryScope {
		return discoveryInstruction
	}
	return extractionInstruction
}

// UserPrompt renders the description and the truncated html.
func UserPrompt(description, html string) string {
	return fmt.Sprintf("TARGET: %s\n\nHTML SNIPPET:\n%s", description, TruncateHTML(html))
}

// ParseRecommendation decodes a model reply. Code fences and prose around
// the JSON object are tolerated. A reply without a selector is a valid
// "no recommendation".
func ParseRecommendation(reply string) (crawler.Recommendation, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return crawler.Recommendation{}, fmt.Errorf("no JSON object in model reply")
	}
	var rec crawler.Recommendation
	if err := json.Unmarshal([]byte(reply[start:end+1]), &rec); err != nil {
		return crawler.Recommendation{}, fmt.Errorf("decode model reply: %w", err)
	}
	rec.Selector = strings.TrimSpace(rec.Selector)
	rec.Reason = strings.TrimSpace(rec.Reason)
	return rec, nil
}
