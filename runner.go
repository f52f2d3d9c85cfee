package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const runnerOutBuffer = 64

// SnapshotRW loads and saves serialized agent threads. The runner restores
// from it when a thread's registry entry has no in-memory snapshot and
// writes back on every turn boundary.
type SnapshotRW interface {
	SaveSnapshot(ctx context.Context, key ThreadKey, snapshot []byte) error
	LoadSnapshot(ctx context.Context, key ThreadKey) ([]byte, error)
}

// RunObserver receives one measurement per finished prompt run.
type RunObserver interface {
	RunFinished(d time.Duration)
}

// AgentRunner drives one prompt group end to end: it builds the agent from
// the group's first prompt, restores its thread, then turns every prompt
// into a paired update stream on a single per-thread output channel.
// Overlapping runs interleave on that channel; sequence numbers stay
// monotone because all pairers share the thread's counter.
type AgentRunner struct {
	factory  AgentFactory
	registry *ThreadRegistry
	snaps    SnapshotRW
	seqSeed  func(ctx context.Context, key ThreadKey) uint64
	obs      RunObserver
	logger   *slog.Logger
}

type RunnerOption func(*AgentRunner)

// WithRunnerSnapshots enables snapshot persistence across restarts.
func WithRunnerSnapshots(s SnapshotRW) RunnerOption {
	return func(r *AgentRunner) { r.snaps = s }
}

// WithRunnerSeqSeed supplies the starting sequence number for a thread the
// first time the runner touches it, typically ReconnectionBuffer.HighWater.
func WithRunnerSeqSeed(fn func(ctx context.Context, key ThreadKey) uint64) RunnerOption {
	return func(r *AgentRunner) { r.seqSeed = fn }
}

func WithRunnerObserver(o RunObserver) RunnerOption {
	return func(r *AgentRunner) { r.obs = o }
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *AgentRunner) { r.logger = l }
}

func NewAgentRunner(factory AgentFactory, registry *ThreadRegistry, opts ...RunnerOption) *AgentRunner {
	r := &AgentRunner{
		factory:  factory,
		registry: registry,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the group until it closes and returns the thread's triple
// stream. The channel closes only after every in-flight run has drained and
// the agent is disposed.
func (r *AgentRunner) Run(ctx context.Context, g *PromptGroup) <-chan StreamTriple {
	out := make(chan StreamTriple, runnerOutBuffer)
	go func() {
		defer close(out)
		r.drive(ctx, g, out)
	}()
	return out
}

func (r *AgentRunner) drive(ctx context.Context, g *PromptGroup, out chan<- StreamTriple) {
	first, ok := r.firstPrompt(ctx, g)
	if !ok {
		return
	}

	key := g.Key
	tc := r.registry.Resolve(key, first.Origin)
	tc.OnComplete(g.Complete)
	seq := tc.Seq()
	if r.seqSeed != nil {
		seq.CompareAndSwap(0, r.seqSeed(ctx, key))
	}

	agent, err := r.factory(ctx, first)
	if err != nil {
		r.logger.Error("agent construction failed", "key", key.String(), "error", err)
		t := NewUpdatePairer(key, seq).Next(ErrorUpdate((&ErrAgentRun{Agent: first.AgentID, Message: err.Error()}).Error()))
		sendTriple(ctx, out, t)
		g.Complete()
		return
	}
	defer func() {
		if err := agent.Close(); err != nil {
			r.logger.Warn("agent close failed", "key", key.String(), "error", err)
		}
	}()

	r.restoreThread(ctx, tc, agent, key)

	var wg sync.WaitGroup
	defer wg.Wait()

	p := first
	for {
		r.handle(ctx, tc, agent, seq, p, out, &wg)
		select {
		case q, ok := <-g.Items():
			if !ok {
				return
			}
			p = q
		case <-g.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *AgentRunner) firstPrompt(ctx context.Context, g *PromptGroup) (Prompt, bool) {
	select {
	case p, ok := <-g.Items():
		return p, ok
	case <-g.Done():
		return Prompt{}, false
	case <-ctx.Done():
		return Prompt{}, false
	}
}

func (r *AgentRunner) restoreThread(ctx context.Context, tc *ThreadContext, agent DisposableAgent, key ThreadKey) {
	snap := tc.Snapshot()
	if snap == nil && r.snaps != nil {
		loaded, err := r.snaps.LoadSnapshot(ctx, key)
		if err != nil {
			r.logger.Warn("snapshot load failed", "key", key.String(), "error", err)
		} else {
			snap = loaded
		}
	}
	if len(snap) == 0 {
		return
	}
	if err := agent.RestoreThread(snap); err != nil {
		r.logger.Warn("snapshot restore failed, starting fresh", "key", key.String(), "error", err)
	}
}

// handle processes one prompt: control commands act on the registry and
// produce no output, anything else becomes a run whose updates are paired
// and forwarded. The user's own message goes out first as a boundary triple
// so reconnecting clients replay it in place.
func (r *AgentRunner) handle(ctx context.Context, tc *ThreadContext, agent DisposableAgent, seq *atomic.Uint64, p Prompt, out chan<- StreamTriple, wg *sync.WaitGroup) {
	switch ParseControlCommand(p.Body) {
	case CommandCancel:
		r.logger.Info("cancel requested", "key", tc.Key.String())
		r.registry.Cancel(tc.Key)
		return
	case CommandClear:
		r.logger.Info("clear requested", "key", tc.Key.String())
		r.registry.Clear(ctx, tc.Key)
		return
	}

	if !sendTriple(ctx, out, userEchoTriple(tc.Key, seq, p)) {
		return
	}

	runCtx, release := tc.Attach(ctx)
	pairer := NewUpdatePairer(tc.Key, seq)
	sub := agent.Run(runCtx, p)
	start := time.Now()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer release()
		for u := range sub {
			if !sendTriple(ctx, out, pairer.Next(u)) {
				return
			}
		}
		sendTriple(ctx, out, pairer.Next(StreamComplete()))
		r.persistThread(context.WithoutCancel(ctx), tc, agent)
		if r.obs != nil {
			r.obs.RunFinished(time.Since(start))
		}
	}()
}

// userEchoTriple wraps the inbound prompt as an already-coalesced message.
// Its id is derived from the sequence number the same way model boundaries
// are, so it is stable across reconnects.
func userEchoTriple(key ThreadKey, seq *atomic.Uint64, p Prompt) StreamTriple {
	n := seq.Add(1)
	return StreamTriple{
		Key:    key,
		Update: ModelUpdate{ID: NewID(), Seq: n},
		Message: &CoalescedMessage{
			ID:        BoundaryMessageID(key, n),
			Role:      "user",
			Text:      p.Body,
			SenderID:  p.SenderID,
			CreatedAt: p.At,
		},
		Seq: n,
	}
}

func (r *AgentRunner) persistThread(ctx context.Context, tc *ThreadContext, agent DisposableAgent) {
	snap := agent.SnapshotThread()
	tc.SetSnapshot(snap)
	if r.snaps == nil {
		return
	}
	if err := r.snaps.SaveSnapshot(ctx, tc.Key, snap); err != nil {
		r.logger.Warn("snapshot save failed", "key", tc.Key.String(), "error", err)
	}
}

func sendTriple(ctx context.Context, out chan<- StreamTriple, t StreamTriple) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}
