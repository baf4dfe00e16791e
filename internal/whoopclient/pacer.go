package whoopclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer is the process-global request pacer required by §5: "one pacer
// shared by all users" so no combination of concurrent users can exceed the
// upstream's per-minute quota. It wraps golang.org/x/time/rate rather than
// hand-rolling a token bucket, the same dependency the wider retrieved pack
// reaches for when a component needs to respect an external rate ceiling.
type Pacer struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	dayCount   int
	dayLimit   int
	dayResetAt time.Time
}

// NewPacer builds a pacer enforcing perMinute requests/minute (as a token
// bucket refilling continuously, burst of perMinute so a quiet period can
// absorb a short burst) and perDay requests/day (a simple calendar-day
// counter, reset at each UTC midnight boundary it crosses).
func NewPacer(perMinute, perDay int) *Pacer {
	if perMinute < 1 {
		perMinute = 1
	}
	return &Pacer{
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		dayLimit:   perDay,
		dayResetAt: nextMidnightUTC(time.Now()),
	}
}

func nextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Wait blocks until a request may proceed under both the per-minute and
// per-day ceilings, or returns ctx.Err() if ctx is cancelled first.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.waitDaily(ctx); err != nil {
		return err
	}
	return p.limiter.Wait(ctx)
}

func (p *Pacer) waitDaily(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := time.Now()
		if now.After(p.dayResetAt) {
			p.dayCount = 0
			p.dayResetAt = nextMidnightUTC(now)
		}
		if p.dayLimit <= 0 || p.dayCount < p.dayLimit {
			p.dayCount++
			p.mu.Unlock()
			return nil
		}
		wait := time.Until(p.dayResetAt)
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
