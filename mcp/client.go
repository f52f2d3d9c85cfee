// Package mcp connects agents to Model Context Protocol tool servers.
//
// A Bundle holds the server configs for one agent identity. Acquire opens
// every server (spawning stdio subprocesses or dialing HTTP endpoints),
// imports their tool catalogues and returns a ToolSet implementing
// switchboard.Tool. Release closes every session; Acquire releases whatever
// it already opened before returning an error, so callers always hold
// either a fully-open ToolSet or nothing.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Dethon/switchboard"
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Supported transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string
	// Transport is "stdio" (default) or "http".
	Transport string
	// Command is the executable plus arguments for stdio servers,
	// split on whitespace ("/usr/local/bin/mcp-files --root /data").
	Command string
	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string
	// URL is the endpoint for http servers.
	URL string
}

// session is one open server connection. The indirection lets tests swap in
// fakes without an SDK transport.
type session interface {
	ListTools(ctx context.Context) ([]switchboard.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (switchboard.ToolResult, error)
	Close() error
}

// Bundle opens the MCP servers configured for an agent identity.
type Bundle struct {
	servers []ServerConfig
	client  *mcpsdk.Client
	logger  *slog.Logger

	// connect can be overridden for testing (defaults to the SDK transports).
	connect func(ctx context.Context, cfg ServerConfig) (session, error)
}

// BundleOption configures a Bundle.
type BundleOption func(*Bundle)

// WithBundleLogger sets the logger.
func WithBundleLogger(l *slog.Logger) BundleOption {
	return func(b *Bundle) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBundle creates a bundle over the given server configs.
func NewBundle(servers []ServerConfig, opts ...BundleOption) *Bundle {
	b := &Bundle{
		servers: servers,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "switchboard", Version: "1.0.0"},
			nil,
		),
		logger: nopLogger,
	}
	b.connect = b.sdkConnect
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire opens every configured server and imports its tools. ctx governs
// the handshakes and the lifetime of spawned stdio subprocesses, so pass the
// context of the run that will use the tools, not a dial timeout.
func (b *Bundle) Acquire(ctx context.Context) (*ToolSet, error) {
	ts := &ToolSet{
		routes: make(map[string]session),
		logger: b.logger,
	}
	for _, cfg := range b.servers {
		s, err := b.connect(ctx, cfg)
		if err != nil {
			ts.Release()
			return nil, fmt.Errorf("mcp: connect %q: %w", cfg.Name, err)
		}
		ts.sessions = append(ts.sessions, namedSession{name: cfg.Name, session: s})

		defs, err := s.ListTools(ctx)
		if err != nil {
			ts.Release()
			return nil, fmt.Errorf("mcp: list tools on %q: %w", cfg.Name, err)
		}
		for _, d := range defs {
			if _, taken := ts.routes[d.Name]; taken {
				b.logger.Warn("duplicate mcp tool name, keeping first",
					"tool", d.Name, "server", cfg.Name)
				continue
			}
			ts.routes[d.Name] = s
			ts.defs = append(ts.defs, d)
		}
	}
	return ts, nil
}

// sdkConnect opens one server through the official SDK.
func (b *Bundle) sdkConnect(ctx context.Context, cfg ServerConfig) (session, error) {
	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio, "":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("stdio server needs a command")
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http server needs a url")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	s, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return sdkSession{s: s}, nil
}

type namedSession struct {
	name    string
	session session
}

// ToolSet is the acquired tool surface of a bundle. It implements
// switchboard.Tool so agents consume MCP tools like built-in ones.
type ToolSet struct {
	sessions []namedSession
	defs     []switchboard.ToolDefinition
	routes   map[string]session
	release  sync.Once
	logger   *slog.Logger
}

// Definitions returns the tools imported from all servers.
func (ts *ToolSet) Definitions() []switchboard.ToolDefinition {
	return ts.defs
}

// Execute routes a call to the session that owns the tool.
func (ts *ToolSet) Execute(ctx context.Context, name string, args json.RawMessage) (switchboard.ToolResult, error) {
	s, ok := ts.routes[name]
	if !ok {
		return switchboard.ToolResult{Error: "unknown tool: " + name}, nil
	}
	return s.CallTool(ctx, name, args)
}

// Release closes every session. Safe to call more than once; later calls
// are no-ops.
func (ts *ToolSet) Release() {
	ts.release.Do(func() {
		for _, ns := range ts.sessions {
			if err := ns.session.Close(); err != nil {
				ts.logger.Warn("mcp session close failed",
					"server", ns.name, "error", err)
			}
		}
	})
}

// sdkSession adapts an SDK client session to the session interface.
type sdkSession struct {
	s *mcpsdk.ClientSession
}

func (w sdkSession) ListTools(ctx context.Context) ([]switchboard.ToolDefinition, error) {
	var defs []switchboard.ToolDefinition
	for tool, err := range w.s.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		defs = append(defs, switchboard.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaJSON(tool.InputSchema),
		})
	}
	return defs, nil
}

func (w sdkSession) CallTool(ctx context.Context, name string, args json.RawMessage) (switchboard.ToolResult, error) {
	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return switchboard.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	res, err := w.s.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
	if err != nil {
		return switchboard.ToolResult{}, err
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return switchboard.ToolResult{Error: sb.String()}, nil
	}
	return switchboard.ToolResult{Content: sb.String()}, nil
}

func (w sdkSession) Close() error {
	return w.s.Close()
}

// schemaJSON renders a tool input schema as raw JSON. Servers that declare
// no schema get a bare object schema so providers never see null.
func schemaJSON(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" becomes ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
