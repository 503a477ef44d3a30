package healing

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

var bodyKeys = map[string]bool{"content": true, "body": true}

type validator struct {
	minBodyRunes int
	blacklist    []string
}

func newValidator(minBodyRunes int, blacklist []string) validator {
	terms := make([]string, 0, len(blacklist))
	for _, term := range blacklist {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			terms = append(terms, t)
		}
	}
	return validator{minBodyRunes: minBodyRunes, blacklist: terms}
}

// valid reports whether value is acceptable content for rule.
func (v validator) valid(rule crawler.ExtractionRule, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if strings.TrimSpace(rule.Attribute) != "" {
		return true
	}
	if bodyKeys[strings.ToLower(rule.Key)] && utf8.RuneCountInString(value) < v.minBodyRunes {
		return false
	}
	lower := strings.ToLower(value)
	for _, term := range v.blacklist {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}
