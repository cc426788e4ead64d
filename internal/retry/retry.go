// Package retry wraps external invocations with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelsec/reconforge/internal/recon"
)

// Policy controls the attempt budget and backoff base for one call site.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// DefaultPolicy matches the per-tool retry budget of the wrapped scanners.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: time.Second}
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, or ctx
// is done. After a failed attempt it waits Base * 2^attempt. Success
// short-circuits immediately. Only errors classified transient are retried;
// anything else surfaces at once.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !recon.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts-1 {
			break
		}

		delay := p.Base * (1 << attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.Attempts, lastErr)
}
