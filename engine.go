package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultSweepInterval = 10 * time.Minute

// IngressObserver counts prompts accepted from surfaces.
type IngressObserver interface {
	PromptReceived(origin string)
}

// Engine wires the pipeline: surface ingress flows through provisioning
// into per-thread groups, each group gets an agent runner, and every
// runner's triple stream is attached to the fan-out. A periodic sweep drops
// state for threads the surfaces no longer know.
type Engine struct {
	registry    *ThreadRegistry
	provisioner *TopicProvisioner
	runner      *AgentRunner
	fanout      *ResponseFanOut
	buffer      *ReconnectionBuffer
	obs         IngressObserver
	sweepEvery  time.Duration
	logger      *slog.Logger

	surfaces []Surface
	sources  []PromptSource
}

type EngineOption func(*Engine)

// WithEngineBuffer hooks the reconnection buffer into the sweep loop so
// threads removed from the registry lose their buffered window too.
func WithEngineBuffer(b *ReconnectionBuffer) EngineOption {
	return func(e *Engine) { e.buffer = b }
}

func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

func WithEngineObserver(o IngressObserver) EngineOption {
	return func(e *Engine) { e.obs = o }
}

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(registry *ThreadRegistry, provisioner *TopicProvisioner, runner *AgentRunner, fanout *ResponseFanOut, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:    registry,
		provisioner: provisioner,
		runner:      runner,
		fanout:      fanout,
		sweepEvery:  defaultSweepInterval,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSurface registers a front-end: its prompts feed ingress, its
// provisioner serves thread allocation, and its sink receives the triples
// of threads it owns.
func (e *Engine) AddSurface(s Surface) {
	e.surfaces = append(e.surfaces, s)
	e.provisioner.Register(s.Origin(), s)
	e.fanout.Register(s.Origin(), s)
}

// AddSource registers an extra prompt producer with no sink of its own,
// such as the scheduler.
func (e *Engine) AddSource(src PromptSource) {
	e.sources = append(e.sources, src)
}

// Run drives the pipeline until ctx is cancelled, then drains: groups
// close, runners flush their streams, fan-out pumps finish delivery.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ingress := make([]<-chan Prompt, 0, len(e.surfaces)+len(e.sources))
	for _, s := range e.surfaces {
		ingress = append(ingress, s.ReadPrompts(ctx))
	}
	for _, src := range e.sources {
		ingress = append(ingress, src.ReadPrompts(ctx))
	}

	provisioned := MapAsync(ctx, Merge(ctx, ingress...), e.provision)
	groups := GroupBy(ctx, provisioned, Prompt.Key)

	g.Go(func() error {
		for grp := range groups {
			e.logger.Info("group opened", "key", grp.Key.String())
			e.fanout.Attach(ctx, grp.Key, e.runner.Run(ctx, grp))
		}
		return nil
	})
	g.Go(func() error {
		return e.sweepLoop(ctx)
	})

	err := g.Wait()
	e.fanout.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) provision(ctx context.Context, p Prompt) (Prompt, bool) {
	if e.obs != nil {
		e.obs.PromptReceived(p.Origin)
	}
	return e.provisioner.Provision(ctx, p)
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(e.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for _, key := range e.registry.Sweep(ctx) {
				e.logger.Info("swept dead thread", "key", key.String())
				if e.buffer != nil {
					e.buffer.Remove(ctx, key)
				}
			}
			if e.buffer != nil {
				e.buffer.SweepExpired(ctx)
			}
		}
	}
}
