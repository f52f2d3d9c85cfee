package switchboard

import "context"

// StreamDelta is one streamed increment from a provider: a content or
// reasoning fragment, or a piece of an incrementally assembled tool call.
// ToolCallName is set only on the first fragment of a call; ToolCallArgs
// chunks concatenate into the call's argument JSON.
type StreamDelta struct {
	Content      string
	Reasoning    string
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions, returns response (may contain tool calls).
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams deltas into ch, then returns the final response with
	// assembled tool calls and usage stats. The caller owns ch; the provider
	// never closes it.
	ChatStream(ctx context.Context, req ChatRequest, tools []ToolDefinition, ch chan<- StreamDelta) (ChatResponse, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
