package rotation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Proxy health accounting.
const (
	HardPenalty  = 3
	SoftPenalty  = 1
	DeactivateAt = 5
)

// Proxies hands out the least recently used active proxy.
type Proxies struct {
	store  crawler.ProxyStore
	clock  crawler.Clock
	logger *zap.Logger
}

// NewProxies creates the pool.
func NewProxies(store crawler.ProxyStore, clock crawler.Clock, logger *zap.Logger) (*Proxies, error) {
	if store == nil {
		return nil, errors.New("proxy store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxies{store: store, clock: clock, logger: logger.Named("proxies")}, nil
}

// Allocate returns a proxy, or nil when none is active.
func (p *Proxies) Allocate(ctx context.Context) (*crawler.Proxy, error) {
	proxy, ok, err := p.store.AllocateProxy(ctx, p.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("allocate proxy: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &proxy, nil
}

// Report records the outcome of one use. Success clears the failure count;
// hard failures weigh more than soft ones.
func (p *Proxies) Report(ctx context.Context, id int64, ok, hard bool) error {
	penalty := 0
	switch {
	case ok:
	case hard:
		penalty = HardPenalty
	default:
		penalty = SoftPenalty
	}
	if err := p.store.ReportProxy(ctx, id, penalty, DeactivateAt); err != nil {
		return fmt.Errorf("report proxy %d: %w", id, err)
	}
	if penalty > 0 {
		p.logger.Debug("proxy penalized", zap.Int64("proxy_id", id), zap.Int("penalty", penalty))
	}
	return nil
}
