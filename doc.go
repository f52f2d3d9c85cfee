// Package switchboard is a multi-agent chat orchestration engine.
//
// Prompts arrive from chat surfaces (long-polled bot APIs, websocket push
// channels, terminals), are grouped by conversation thread, and drive one
// long-lived agent per thread. Each agent streams model updates token by
// token; the engine coalesces them into turn-level messages, fans them out
// to the owning surface, and keeps a per-thread reconnection buffer so a
// push client that briefly disappears can resume mid-stream.
//
// The core pipeline:
//
//	surfaces → Prompt channel → GroupBy(ThreadKey) → AgentRunner per group
//	         → UpdatePairer → StreamTriple channel → ResponseFanOut → surfaces
//	                                              └→ ReconnectionBuffer
//
// Everything is channel-based: prompt sources, per-thread groups, and model
// update streams are plain Go channels with explicit context cancellation.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [DisposableAgent] — per-thread agent turning prompts into update streams
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Surface] — chat front-end capability bundle (prompts in, triples out)
//   - [Store] — key-value persistence for snapshots, buffers, and history
//   - [MemoryStore] — per-user durable memory and personality profile
//   - [Tool] — pluggable capability for LLM function calling
//
// # Included Implementations
//
// Surfaces: surface/telegram (bot API long-poll with forum topics),
// surface/hub (websocket push channel), surface/term (terminal).
// Providers: provider/openaicompat (OpenAI-compatible chat-completions APIs).
// Storage: store/sqlite (local), store/postgres.
// Tools: tools/fetch, tools/remember, tools/schedule, plus MCP servers via mcp.
//
// See the cmd/switchboard directory for the server binary wiring.
package switchboard
