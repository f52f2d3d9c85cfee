package switchboard

import (
	"context"
	"sync"
)

// Channel renditions of the lazy-sequence operations the engine composes.
// Producers close their outputs; ctx cancellation stops everything early.
// Order is preserved within any single source, never across sources.

// Merge fans every source into one output channel. The output closes once
// all sources have closed or ctx ends.
func Merge[T any](ctx context.Context, sources ...<-chan T) <-chan T {
	out := make(chan T)
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func() {
			defer wg.Done()
			for {
				select {
				case v, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// MapAsync transforms each value of in on a single worker goroutine,
// preserving order. fn may block; it reports false to drop a value. The
// output closes when in closes or ctx ends.
func MapAsync[In, Out any](ctx context.Context, in <-chan In, fn func(context.Context, In) (Out, bool)) <-chan Out {
	out := make(chan Out)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				res, keep := fn(ctx, v)
				if !keep {
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
