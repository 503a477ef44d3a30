// Package memory records published crawl events in process. It backs tests
// and local runs without a broker.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

// Message is one accepted publish.
type Message struct {
	ID      string
	Key     string
	Payload any
}

// Publisher keeps accepted messages in order and can be told to fail.
type Publisher struct {
	mu     sync.Mutex
	log    []Message
	failed int
	err    error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err until called again with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message under a sequential ID.
func (p *Publisher) Publish(_ context.Context, key string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		p.failed++
		return "", p.err
	}
	id := "mem-" + strconv.Itoa(len(p.log)+1)
	p.log = append(p.log, Message{ID: id, Key: key, Payload: payload})
	return id, nil
}

// Messages returns a copy of the accepted messages.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.log...)
}

// Events returns the accepted crawled item events, skipping other payloads.
func (p *Publisher) Events() []crawler.CrawledItemEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []crawler.CrawledItemEvent
	for _, m := range p.log {
		if ev, ok := m.Payload.(crawler.CrawledItemEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Failed reports how many publishes were rejected.
func (p *Publisher) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}
