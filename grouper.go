package switchboard

import (
	"context"
	"sync"
)

// groupBuffer is the per-group routing buffer. Routing blocks once it fills,
// which backpressures the shared ingress stream.
const groupBuffer = 16

// Group is one open keyed sub-stream produced by GroupBy.
type Group[T any, K comparable] struct {
	Key K

	items chan T
	done  chan struct{}
	once  sync.Once
}

func newGroup[T any, K comparable](k K) *Group[T, K] {
	return &Group[T, K]{Key: k, items: make(chan T, groupBuffer), done: make(chan struct{})}
}

// Items returns the group's sub-stream. The grouper closes it when the outer
// source ends, ctx is cancelled, or the group was completed and its key
// reopened.
func (g *Group[T, K]) Items() <-chan T { return g.items }

// Done is closed once the consumer calls Complete.
func (g *Group[T, K]) Done() <-chan struct{} { return g.done }

// Complete marks the group finished from the consumer side. The consumer
// must not receive from Items afterwards. The next value for the same key
// opens a fresh group; values still buffered here are carried over to it in
// order. Safe to call repeatedly.
func (g *Group[T, K]) Complete() { g.once.Do(func() { close(g.done) }) }

func (g *Group[T, K]) completed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// PromptGroup is the engine's instantiation: one conversation thread's
// inbound prompts.
type PromptGroup = Group[Prompt, ThreadKey]

// GroupBy splits src into one sub-stream per key. The first value for a key
// emits a new Group on the returned channel; every value routes to its key's
// open group in arrival order, so order within a key is preserved. Groups
// are consumed independently; the grouper never serializes consumers across
// keys, but a full group blocks routing until its consumer catches up,
// completes, or ctx ends. When src closes, each group's channel closes after
// its buffered values drain.
func GroupBy[T any, K comparable](ctx context.Context, src <-chan T, keyFn func(T) K) <-chan *Group[T, K] {
	out := make(chan *Group[T, K])
	go func() {
		groups := make(map[K]*Group[T, K])
		defer func() {
			for _, g := range groups {
				close(g.items)
			}
			close(out)
		}()
		for {
			select {
			case v, ok := <-src:
				if !ok {
					return
				}
				if !route(ctx, out, groups, keyFn(v), v) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// route delivers v to the open group for k, opening one if needed. A group
// found completed is torn down first: its undrained buffer is carried into
// the replacement ahead of v. Returns false when ctx ended mid-route.
func route[T any, K comparable](ctx context.Context, out chan<- *Group[T, K], groups map[K]*Group[T, K], k K, v T) bool {
	pending := []T{v}
	for {
		g := groups[k]
		if g != nil && g.completed() {
			pending = append(drainBuffered(g.items), pending...)
			close(g.items)
			delete(groups, k)
			g = nil
		}
		if g == nil {
			g = newGroup[T, K](k)
			groups[k] = g
			select {
			case out <- g:
			case <-ctx.Done():
				return false
			}
		}
		routed := 0
	send:
		for _, q := range pending {
			select {
			case g.items <- q:
				routed++
			case <-g.done:
				break send
			case <-ctx.Done():
				return false
			}
		}
		if routed == len(pending) {
			return true
		}
		pending = pending[routed:]
	}
}

// drainBuffered empties a completed group's buffer. Its consumer has stopped
// reading, so a non-blocking sweep sees everything.
func drainBuffered[T any](ch chan T) []T {
	var vs []T
	for {
		select {
		case v := <-ch:
			vs = append(vs, v)
		default:
			return vs
		}
	}
}
