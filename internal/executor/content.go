package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/extract"
)

// contentKeys are the field keys, in preference order, published as the event body.
var contentKeys = []string{"content", "body"}

// processContent extracts every field of a content page. A blank required
// field is a structural failure.
func (e *Executor) processContent(
	ctx context.Context,
	task crawler.Task,
	doc *extract.Document,
	rules []crawler.ExtractionRule,
) (cycle, error) {
	values, missing := doc.Fields(rules)
	if len(missing) > 0 {
		return cycle{body: doc.Raw()}, &crawler.StructuralError{URL: task.URL, Fields: missing}
	}

	record := crawler.CrawledRecord{
		TaskID:    task.ID,
		URL:       task.URL,
		Title:     values["title"],
		Fields:    values,
		CrawledAt: e.deps.Clock.Now(),
	}
	if err := e.deps.Tasks.CompleteContent(ctx, record); err != nil {
		return cycle{}, fmt.Errorf("store content: %w", err)
	}

	if strings.TrimSpace(record.Title) == "" {
		return cycle{}, nil
	}
	event := &crawler.CrawledItemEvent{
		TaskID:    task.ID,
		Title:     record.Title,
		URL:       record.URL,
		CrawledAt: record.CrawledAt,
	}
	for _, key := range contentKeys {
		if v, ok := values[key]; ok {
			event.Content = v
			break
		}
	}
	return cycle{event: event}, nil
}
