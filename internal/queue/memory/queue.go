// Package memory provides the bounded in-process hand-off between the lease
// producer and the site consumers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once the
// queue is closed and empty.
var ErrClosed = errors.New("queue closed")

type entry struct {
	site     crawler.LeasedSite
	queuedAt time.Time
}

// Queue hands leased sites to consumers in pop order. Each site remembers
// when it was queued so consumers can tell how long its lease sat idle.
type Queue struct {
	ch     chan entry
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a queue holding at most capacity sites.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan entry, max(capacity, 1)), now: time.Now}
}

// Enqueue waits for room for site.
func (q *Queue) Enqueue(ctx context.Context, site crawler.LeasedSite) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue site %d: %w", site.SiteID, ctx.Err())
	case q.ch <- entry{site: site, queuedAt: q.now()}:
		return nil
	}
}

// Dequeue waits for the next site and reports how long it was queued.
func (q *Queue) Dequeue(ctx context.Context) (crawler.LeasedSite, time.Duration, error) {
	select {
	case <-ctx.Done():
		return crawler.LeasedSite{}, 0, fmt.Errorf("dequeue: %w", ctx.Err())
	case e, ok := <-q.ch:
		if !ok {
			return crawler.LeasedSite{}, 0, ErrClosed
		}
		return e.site, q.now().Sub(e.queuedAt), nil
	}
}

// Len reports how many sites are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain removes every waiting site without blocking.
func (q *Queue) Drain() []crawler.LeasedSite {
	var out []crawler.LeasedSite
	for {
		select {
		case e, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, e.site)
		default:
			return out
		}
	}
}

// Close rejects further sites. Waiting sites stay available to Dequeue and
// Drain. Close waits for in-flight Enqueue calls to return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
