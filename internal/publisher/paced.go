package publisher

import (
	"context"

	"golang.org/x/time/rate"
)

// Paced throttles outbound calls of one adapter to perMinute.
type Paced struct {
	next Adapter
	lim  *rate.Limiter
}

// NewPaced wraps a. perMinute <= 0 returns a unchanged.
func NewPaced(a Adapter, perMinute int) Adapter {
	if perMinute <= 0 {
		return a
	}
	return &Paced{next: a, lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)}
}

func (p *Paced) Publish(ctx context.Context, creds Credentials, c Content) (Result, error) {
	if err := p.lim.Wait(ctx); err != nil {
		return Result{}, Wrap(KindRateLimited, err)
	}
	return p.next.Publish(ctx, creds, c)
}

func (p *Paced) Reply(ctx context.Context, creds Credentials, targetID, text string) (Result, error) {
	if err := p.lim.Wait(ctx); err != nil {
		return Result{}, Wrap(KindRateLimited, err)
	}
	return p.next.Reply(ctx, creds, targetID, text)
}
