package switchboard

import (
	"context"
	"log/slog"
)

// DisposableAgent is the engine's view of one thread's agent. It is built
// from the thread's first prompt, reused for every later prompt in the
// group, and closed when the group ends. Implementations own their tool
// clients and release them in Close on every exit path.
type DisposableAgent interface {
	// Run processes one prompt, streaming updates until the prompt's turn
	// ends, and closes the returned channel. Failures arrive as a terminal
	// Error update; ctx cancellation just truncates the stream.
	Run(ctx context.Context, p Prompt) <-chan ModelUpdate

	// RestoreThread rebuilds conversation state from a snapshot produced by
	// SnapshotThread. Called before the first Run.
	RestoreThread(snapshot []byte) error

	// SnapshotThread serializes conversation state. The runner calls it on
	// turn boundaries and persists the result.
	SnapshotThread() []byte

	// Close releases the agent and everything it acquired. Idempotent.
	Close() error
}

// AgentFactory builds the agent serving a thread, from the thread's first
// prompt. Called exactly once per open group.
type AgentFactory func(ctx context.Context, p Prompt) (DisposableAgent, error)

// AgentIdentity describes one configured agent: its system prompt, the
// tool-name patterns that auto-approve, and the MCP server bundles it
// acquires at construction.
type AgentIdentity struct {
	ID         string   `toml:"id"`
	Prompt     string   `toml:"prompt"`
	Whitelist  []string `toml:"whitelist"`
	MCPServers []string `toml:"mcp_servers"`
	MaxIter    int      `toml:"max_iter"`
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
