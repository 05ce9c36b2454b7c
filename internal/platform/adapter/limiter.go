package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// pacer serializes requests per connection to the vendor's minimum interval
// and caps cross-connection concurrency per vendor.
type pacer struct {
	interval time.Duration
	sem      *semaphore.Weighted

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newPacer(interval time.Duration, maxConcurrent int64) *pacer {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &pacer{
		interval: interval,
		sem:      semaphore.NewWeighted(maxConcurrent),
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (p *pacer) limiter(connectionID uuid.UUID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[connectionID] = l
	}
	return l
}

// acquire blocks until the vendor has concurrency headroom and the
// connection's spacing interval has elapsed. The returned release must run
// on every exit path.
func (p *pacer) acquire(ctx context.Context, connectionID uuid.UUID) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.limiter(connectionID).Wait(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// forget drops a connection's limiter, for revoked connections.
func (p *pacer) forget(connectionID uuid.UUID) {
	p.mu.Lock()
	delete(p.limiters, connectionID)
	p.mu.Unlock()
}
