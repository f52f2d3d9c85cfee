package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SnapshotStore is the slice of the persistence layer the registry touches:
// clearing a thread also deletes its stored snapshot.
type SnapshotStore interface {
	DeleteSnapshot(ctx context.Context, key ThreadKey) error
}

// ThreadContext is the per-thread mutable companion owned by the registry:
// the cancel fan-out for in-flight runs, the completion hook that closes the
// thread's inbound prompt group, and the last serialized agent-thread
// snapshot. Runners hold a borrowed view for the duration of a run.
type ThreadContext struct {
	Key    ThreadKey
	Origin string

	seq atomic.Uint64

	mu         sync.Mutex
	cancels    map[uint64]context.CancelFunc
	nextRun    uint64
	onComplete func()
	snapshot   []byte
}

func newThreadContext(key ThreadKey, origin string) *ThreadContext {
	return &ThreadContext{
		Key:     key,
		Origin:  origin,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Attach derives a per-run context cancelled by both parent and a
// thread-level cancel. The returned CancelFunc releases the registration;
// the runner must call it when the run ends, on every path.
func (tc *ThreadContext) Attach(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	tc.mu.Lock()
	id := tc.nextRun
	tc.nextRun++
	tc.cancels[id] = cancel
	tc.mu.Unlock()
	return ctx, func() {
		tc.mu.Lock()
		delete(tc.cancels, id)
		tc.mu.Unlock()
		cancel()
	}
}

// CancelRuns trips every in-flight run on the thread. The context itself
// stays armed: later runs attach as usual.
func (tc *ThreadContext) CancelRuns() {
	tc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(tc.cancels))
	for id, c := range tc.cancels {
		cancels = append(cancels, c)
		delete(tc.cancels, id)
	}
	tc.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// OnComplete registers the hook that closes the thread's inbound group.
// Registering replaces any previous hook.
func (tc *ThreadContext) OnComplete(fn func()) {
	tc.mu.Lock()
	tc.onComplete = fn
	tc.mu.Unlock()
}

func (tc *ThreadContext) complete() {
	tc.mu.Lock()
	fn := tc.onComplete
	tc.onComplete = nil
	tc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Snapshot returns the last serialized agent-thread state, nil when the
// thread has never completed a turn.
func (tc *ThreadContext) Snapshot() []byte {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.snapshot
}

// SetSnapshot records the serialized agent-thread state. Runners call it
// only on turn boundaries.
func (tc *ThreadContext) SetSnapshot(b []byte) {
	tc.mu.Lock()
	tc.snapshot = b
	tc.mu.Unlock()
}

// Seq is the thread's cumulative triple counter. It outlives individual
// groups so sequence numbers stay monotone for the life of the entry.
func (tc *ThreadContext) Seq() *atomic.Uint64 {
	return &tc.seq
}

// ThreadRegistry maps thread keys to their contexts. All operations are
// linearizable under one internal lock; a context is fully constructed
// before it becomes visible.
type ThreadRegistry struct {
	mu     sync.Mutex
	ctxs   map[ThreadKey]*ThreadContext
	snaps  SnapshotStore
	prober func(origin string) ThreadProber
	logger *slog.Logger
}

type RegistryOption func(*ThreadRegistry)

// WithSnapshotStore lets Clear delete the thread's persisted snapshot.
func WithSnapshotStore(s SnapshotStore) RegistryOption {
	return func(r *ThreadRegistry) { r.snaps = s }
}

// WithThreadProber supplies the per-origin existence probe used by Sweep.
func WithThreadProber(fn func(origin string) ThreadProber) RegistryOption {
	return func(r *ThreadRegistry) { r.prober = fn }
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ThreadRegistry) { r.logger = l }
}

func NewThreadRegistry(opts ...RegistryOption) *ThreadRegistry {
	r := &ThreadRegistry{
		ctxs:   make(map[ThreadKey]*ThreadContext),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the context for key, creating it on first use. A hit
// returns the existing context even if a prior run has finished.
func (r *ThreadRegistry) Resolve(key ThreadKey, origin string) *ThreadContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tc, ok := r.ctxs[key]; ok {
		return tc
	}
	tc := newThreadContext(key, origin)
	r.ctxs[key] = tc
	return tc
}

// Origin reports which surface owns the key's thread. The fan-out uses it
// to route triples back to the right sink.
func (r *ThreadRegistry) Origin(key ThreadKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.ctxs[key]
	if !ok {
		return "", false
	}
	return tc.Origin, true
}

// Cancel trips the key's in-flight runs and leaves the entry in place so
// subsequent prompts re-arm it. Unknown keys are a no-op.
func (r *ThreadRegistry) Cancel(key ThreadKey) {
	r.mu.Lock()
	tc := r.ctxs[key]
	r.mu.Unlock()
	if tc != nil {
		tc.CancelRuns()
	}
}

// Clear cancels the key's runs, fires its completion hook so the inbound
// group closes, removes the entry, and deletes the persisted snapshot.
func (r *ThreadRegistry) Clear(ctx context.Context, key ThreadKey) {
	r.mu.Lock()
	tc := r.ctxs[key]
	delete(r.ctxs, key)
	r.mu.Unlock()
	if tc == nil {
		return
	}
	tc.CancelRuns()
	tc.complete()
	if r.snaps != nil {
		if err := r.snaps.DeleteSnapshot(ctx, key); err != nil {
			r.logger.Warn("snapshot delete failed", "key", key.String(), "error", err)
		}
	}
}

// Sweep probes each tracked thread's origin surface and clears the ones the
// surface no longer knows, returning the cleared keys so callers can drop
// dependent state. Origins without a prober, and probe errors, are skipped.
func (r *ThreadRegistry) Sweep(ctx context.Context) []ThreadKey {
	if r.prober == nil {
		return nil
	}
	r.mu.Lock()
	tcs := make([]*ThreadContext, 0, len(r.ctxs))
	for _, tc := range r.ctxs {
		tcs = append(tcs, tc)
	}
	r.mu.Unlock()

	var cleared []ThreadKey
	for _, tc := range tcs {
		if ctx.Err() != nil {
			return cleared
		}
		p := r.prober(tc.Origin)
		if p == nil {
			continue
		}
		exists, err := p.ThreadExists(ctx, tc.Key.ChatID, tc.Key.TopicID)
		if err != nil {
			r.logger.Debug("thread probe failed", "key", tc.Key.String(), "error", err)
			continue
		}
		if !exists {
			r.logger.Info("sweeping dead thread", "key", tc.Key.String())
			r.Clear(ctx, tc.Key)
			cleared = append(cleared, tc.Key)
		}
	}
	return cleared
}

// Size reports the number of tracked threads.
func (r *ThreadRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ctxs)
}
