// Package fanout runs many independent operations with bounded concurrency.
package fanout

import (
	"context"
	"sync"
)

// Outcome is the tagged per-item result of one operation. Exactly one of
// Value or Err is meaningful; Item identifies the origin.
type Outcome[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Run executes fn over items with at most limit operations in flight.
// Every item yields an Outcome in input order; one item's failure never
// aborts the others. When ctx is cancelled, unstarted items fail with the
// context error and in-flight calls are expected to honor ctx themselves.
func Run[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) []Outcome[T, R] {
	if limit <= 0 {
		limit = 1
	}

	out := make([]Outcome[T, R], len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		out[i].Item = item

		select {
		case <-ctx.Done():
			out[i].Err = ctx.Err()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i].Value, out[i].Err = fn(ctx, item)
		}(i, item)
	}

	wg.Wait()
	return out
}
