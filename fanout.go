package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultEmitTimeout = 30 * time.Second

// ResponseSink renders one thread's output on a surface. BeginTurn fires
// before the first triple of a turn so the surface may open a typing
// indicator; EndTurn fires on the terminal triple. Emit must respect ctx,
// which carries the per-delivery timeout.
type ResponseSink interface {
	BeginTurn(ctx context.Context, key ThreadKey)
	Emit(ctx context.Context, t StreamTriple) error
	EndTurn(ctx context.Context, key ThreadKey)
}

// DiscardSink drops everything. Silent scheduled runs route here.
type DiscardSink struct{}

func (DiscardSink) BeginTurn(context.Context, ThreadKey) {}

func (DiscardSink) Emit(context.Context, StreamTriple) error { return nil }

func (DiscardSink) EndTurn(context.Context, ThreadKey) {}

// TripleObserver counts delivered triples per origin.
type TripleObserver interface {
	TripleEmitted(origin string)
}

// ResponseFanOut routes each thread's triple stream to the sink of the
// surface that owns the thread. Every attached stream gets its own pump, so
// a sink blocking on one thread stalls only that thread: backpressure runs
// from the sink through the pump into that runner's channel while sibling
// threads keep flowing. A failed or timed-out emit drops the triple and
// moves on.
type ResponseFanOut struct {
	lookup  func(key ThreadKey) (string, bool)
	timeout time.Duration
	obs     TripleObserver
	logger  *slog.Logger

	mu    sync.Mutex
	sinks map[string]ResponseSink
	wg    sync.WaitGroup
}

type FanOutOption func(*ResponseFanOut)

// WithEmitTimeout bounds a single sink delivery.
func WithEmitTimeout(d time.Duration) FanOutOption {
	return func(f *ResponseFanOut) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithFanOutObserver(o TripleObserver) FanOutOption {
	return func(f *ResponseFanOut) { f.obs = o }
}

func WithFanOutLogger(l *slog.Logger) FanOutOption {
	return func(f *ResponseFanOut) { f.logger = l }
}

// NewResponseFanOut builds a fan-out that resolves a thread's owning origin
// through lookup, typically ThreadRegistry.Origin.
func NewResponseFanOut(lookup func(key ThreadKey) (string, bool), opts ...FanOutOption) *ResponseFanOut {
	f := &ResponseFanOut{
		lookup:  lookup,
		timeout: defaultEmitTimeout,
		logger:  nopLogger,
		sinks:   make(map[string]ResponseSink),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register binds a sink to a surface origin. Triples for threads owned by
// an unregistered origin are dropped with a warning.
func (f *ResponseFanOut) Register(origin string, sink ResponseSink) {
	f.mu.Lock()
	f.sinks[origin] = sink
	f.mu.Unlock()
}

// Attach starts a pump that drains one thread's stream into its sink. The
// pump exits when the stream closes or ctx is done.
func (f *ResponseFanOut) Attach(ctx context.Context, key ThreadKey, stream <-chan StreamTriple) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.pump(ctx, key, stream)
	}()
}

// Wait blocks until every attached pump has drained.
func (f *ResponseFanOut) Wait() {
	f.wg.Wait()
}

func (f *ResponseFanOut) pump(ctx context.Context, key ThreadKey, stream <-chan StreamTriple) {
	var (
		sink   ResponseSink
		origin string
		inTurn bool
	)
	defer func() {
		if inTurn && sink != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			sink.EndTurn(cctx, key)
			cancel()
		}
	}()

	for {
		select {
		case t, ok := <-stream:
			if !ok {
				return
			}
			if sink == nil {
				origin, sink = f.resolve(key)
				if sink == nil {
					f.logger.Warn("no sink for thread, dropping triple", "key", key.String(), "seq", t.Seq)
					continue
				}
			}
			inTurn = f.deliver(ctx, sink, origin, key, t, inTurn)
		case <-ctx.Done():
			return
		}
	}
}

func (f *ResponseFanOut) deliver(ctx context.Context, sink ResponseSink, origin string, key ThreadKey, t StreamTriple, inTurn bool) bool {
	ectx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if !inTurn && !t.Update.Terminal() {
		sink.BeginTurn(ectx, key)
		inTurn = true
	}
	if err := sink.Emit(ectx, t); err != nil {
		f.logger.Warn("sink emit failed, dropping triple",
			"origin", origin, "key", key.String(), "seq", t.Seq, "error", err)
	} else if f.obs != nil {
		f.obs.TripleEmitted(origin)
	}
	if inTurn && t.Update.Terminal() {
		sink.EndTurn(ectx, key)
		inTurn = false
	}
	return inTurn
}

func (f *ResponseFanOut) resolve(key ThreadKey) (string, ResponseSink) {
	origin, ok := f.lookup(key)
	if !ok {
		return "", nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return origin, f.sinks[origin]
}
