// Package app assembles a running switchboard process from configuration:
// stores, providers, surfaces, the agent factory, the engine, and the
// scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	switchboard "github.com/Dethon/switchboard"
	"github.com/Dethon/switchboard/internal/config"
	"github.com/Dethon/switchboard/mcp"
	"github.com/Dethon/switchboard/observer"
	"github.com/Dethon/switchboard/provider/openaicompat"
	"github.com/Dethon/switchboard/store/postgres"
	"github.com/Dethon/switchboard/store/sqlite"
	"github.com/Dethon/switchboard/surface/hub"
	"github.com/Dethon/switchboard/surface/telegram"
	"github.com/Dethon/switchboard/surface/term"
	"github.com/Dethon/switchboard/tools/fetch"
	"github.com/Dethon/switchboard/tools/remember"
	"github.com/Dethon/switchboard/tools/schedule"
)

const storeSweepInterval = 12 * time.Hour

// App is one configured switchboard process.
type App struct {
	cfg    config.Config
	logger *slog.Logger
}

// New creates an App from config. The logger defaults to text on stderr.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &App{cfg: cfg, logger: logger}
}

// Run wires everything and drives the engine until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg

	// Observability, opt-in.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				a.logger.Warn("observer shutdown", "error", err)
			}
		}()
	}

	// Persistence.
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	// LLM backends.
	providerOpts := []openaicompat.ProviderOption{
		openaicompat.WithName(cfg.LLM.Name),
		openaicompat.WithLogger(a.logger),
	}
	if inst != nil {
		providerOpts = append(providerOpts, openaicompat.WithMetrics(observer.NewStreamMetrics(inst)))
	}
	var provider switchboard.Provider = openaicompat.NewProvider(
		cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, providerOpts...)
	var embedder switchboard.EmbeddingProvider = openaicompat.NewEmbedder(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		embedder = observer.WrapEmbedding(embedder, cfg.Embedding.Model, inst)
	}

	approvals := switchboard.NewApprovalStore()

	// Surfaces.
	surfaces := make(map[string]switchboard.Surface)
	var hubSrv *hub.Server

	var engineObs *observer.EngineObserver
	if inst != nil {
		engineObs = observer.NewEngineObserver(inst)
	}
	bufferOpts := []switchboard.BufferOption{
		switchboard.WithBufferStore(store),
		switchboard.WithBufferLogger(a.logger),
	}
	if engineObs != nil {
		bufferOpts = append(bufferOpts, switchboard.WithBufferObserver(engineObs))
	}
	buffer := switchboard.NewReconnectionBuffer(bufferOpts...)

	if cfg.Telegram.Token != "" {
		tg := telegram.New(cfg.Telegram.Token, cfg.Telegram.Agent,
			telegram.WithApprovals(approvals),
			telegram.WithLogger(a.logger))
		surfaces[tg.Origin()] = tg
	}
	if cfg.Hub.Addr != "" {
		hubSrv = hub.New(cfg.Hub.Agent, store, buffer,
			hub.WithApprovals(approvals),
			hub.WithHistoryLimit(cfg.Hub.HistoryLimit),
			hub.WithLogger(a.logger))
		surfaces[hubSrv.Origin()] = hubSrv
	}
	if cfg.Term.Enabled {
		tm := term.New(cfg.Term.Agent,
			term.WithApprovals(approvals),
			term.WithUser(cfg.Term.User),
			term.WithLogger(a.logger))
		surfaces[tm.Origin()] = tm
	}
	if len(surfaces) == 0 {
		return errors.New("no surfaces configured")
	}

	registry := switchboard.NewThreadRegistry(
		switchboard.WithSnapshotStore(store),
		switchboard.WithThreadProber(func(origin string) switchboard.ThreadProber {
			if s, ok := surfaces[origin]; ok {
				return s
			}
			return nil
		}),
		switchboard.WithRegistryLogger(a.logger))

	factory := newAgentFactory(agentDeps{
		cfg:       cfg,
		provider:  provider,
		embed:     embedder,
		memory:    store,
		schedules: store,
		approvals: approvals,
		inst:      inst,
		logger:    a.logger,
	})

	runnerOpts := []switchboard.RunnerOption{
		switchboard.WithRunnerSnapshots(store),
		switchboard.WithRunnerSeqSeed(buffer.HighWater),
		switchboard.WithRunnerLogger(a.logger),
	}
	if engineObs != nil {
		runnerOpts = append(runnerOpts, switchboard.WithRunnerObserver(engineObs))
	}
	runner := switchboard.NewAgentRunner(factory, registry, runnerOpts...)

	provisioner := switchboard.NewTopicProvisioner(switchboard.WithProvisionerLogger(a.logger))

	fanoutOpts := []switchboard.FanOutOption{switchboard.WithFanOutLogger(a.logger)}
	if engineObs != nil {
		fanoutOpts = append(fanoutOpts, switchboard.WithFanOutObserver(engineObs))
	}
	fanout := switchboard.NewResponseFanOut(registry.Origin, fanoutOpts...)
	fanout.Register(switchboard.ScheduledOrigin, switchboard.DiscardSink{})

	engineOpts := []switchboard.EngineOption{
		switchboard.WithEngineBuffer(buffer),
		switchboard.WithEngineLogger(a.logger),
	}
	if engineObs != nil {
		engineOpts = append(engineOpts, switchboard.WithEngineObserver(engineObs))
	}
	engine := switchboard.NewEngine(registry, provisioner, runner, fanout, engineOpts...)
	for _, s := range surfaces {
		engine.AddSurface(s)
	}
	if inst != nil {
		if err := observer.RegisterActiveGroups(inst, registry.Size); err != nil {
			a.logger.Warn("active groups gauge", "error", err)
		}
	}

	// Scheduler: notify on the configured surface when it supports it.
	schedOpts := []switchboard.SchedulerOption{
		switchboard.WithSchedulerInterval(time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second),
		switchboard.WithSchedulerTZOffset(cfg.Scheduler.TimezoneOffset),
		switchboard.WithSchedulerLogger(a.logger),
	}
	if notify, ok := surfaces[cfg.Scheduler.Notify]; ok {
		schedOpts = append(schedOpts, switchboard.WithNotifySurface(notify))
	}
	engine.AddSource(switchboard.NewScheduler(store, schedOpts...))

	a.logger.Info("switchboard running",
		"surfaces", len(surfaces), "agents", len(cfg.Agents), "db", cfg.Database.Driver)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return a.storeSweepLoop(ctx, store) })
	if hubSrv != nil {
		httpSrv := &http.Server{Addr: cfg.Hub.Addr, Handler: hubSrv}
		g.Go(func() error {
			err := httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func (a *App) openStore(ctx context.Context) (switchboard.Store, error) {
	switch a.cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool, postgres.WithEmbeddingDimension(a.cfg.Embedding.Dimensions)), nil
	default:
		return sqlite.New(a.cfg.Database.Path, sqlite.WithLogger(a.logger)), nil
	}
}

func (a *App) storeSweepLoop(ctx context.Context, store switchboard.Store) error {
	t := time.NewTicker(storeSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := store.SweepExpired(ctx); err != nil {
				a.logger.Warn("store sweep failed", "error", err)
			}
		}
	}
}

// agentDeps carries what a per-thread agent build needs.
type agentDeps struct {
	cfg       config.Config
	provider  switchboard.Provider
	embed     switchboard.EmbeddingProvider
	memory    switchboard.MemoryStore
	schedules schedule.Store
	approvals *switchboard.ApprovalStore
	inst      *observer.Instruments
	logger    *slog.Logger
}

// newAgentFactory builds one DisposableAgent per prompt group: the identity
// from config keyed by the prompt's agent id, the built-in tools bound to
// the prompt's thread, and the identity's MCP servers acquired for the life
// of the agent.
func newAgentFactory(d agentDeps) switchboard.AgentFactory {
	return func(ctx context.Context, p switchboard.Prompt) (switchboard.DisposableAgent, error) {
		identity, ok := d.cfg.Agent(p.AgentID)
		if !ok {
			return nil, fmt.Errorf("no such agent: %s", p.AgentID)
		}

		tools := []switchboard.Tool{
			fetch.New(),
			remember.New(d.memory, d.embed, p.SenderID),
			schedule.New(d.schedules, p.ChatID, p.AgentID, p.SenderID, d.cfg.Scheduler.TimezoneOffset),
		}

		opts := []switchboard.ModelAgentOption{
			switchboard.WithAgentApprovals(d.approvals),
			switchboard.WithAgentMemory(d.memory, d.embed),
			switchboard.WithAgentLogger(d.logger),
		}

		if servers := d.cfg.MCPServers(identity.MCPServers); len(servers) > 0 {
			bundle := mcp.NewBundle(mcpConfigs(servers), mcp.WithBundleLogger(d.logger))
			ts, err := bundle.Acquire(ctx)
			if err != nil {
				return nil, fmt.Errorf("mcp acquire for %s: %w", identity.ID, err)
			}
			tools = append(tools, ts)
			opts = append(opts, switchboard.WithAgentRelease(ts.Release))
		}

		if d.inst != nil {
			for i, t := range tools {
				tools[i] = observer.WrapTool(t, d.inst)
			}
		}
		opts = append(opts, switchboard.WithAgentTools(tools...))

		return switchboard.NewModelAgent(identity, d.provider, opts...), nil
	}
}

func mcpConfigs(servers []config.MCPServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, len(servers))
	for i, s := range servers {
		out[i] = mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Env:       s.Env,
			URL:       s.URL,
		}
	}
	return out
}
