package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Dethon/switchboard"
)

// Provider implements switchboard.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
	metrics StreamMetrics
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req switchboard.ChatRequest) (switchboard.ChatResponse, error) {
	return p.doRequest(ctx, BuildBody(req.Messages, nil, p.model, p.opts...))
}

// ChatWithTools sends a non-streaming request with tool definitions; the
// response may contain tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req switchboard.ChatRequest, tools []switchboard.ToolDefinition) (switchboard.ChatResponse, error) {
	return p.doRequest(ctx, BuildBody(req.Messages, tools, p.model, p.opts...))
}

// ChatStream streams deltas into ch, then returns the final accumulated
// response. ch stays open for the caller to close; reads should happen in a
// separate goroutine.
func (p *Provider) ChatStream(ctx context.Context, req switchboard.ChatRequest, tools []switchboard.ToolDefinition, ch chan<- switchboard.StreamDelta) (switchboard.ChatResponse, error) {
	body := BuildBody(req.Messages, tools, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return switchboard.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return switchboard.ChatResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, ch, p.name, p.logger, p.metrics)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (switchboard.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return switchboard.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return switchboard.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return switchboard.ChatResponse{}, &switchboard.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &switchboard.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &switchboard.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &switchboard.ErrHTTP{
		Status: resp.StatusCode,
		Body:   string(body),
	}
}

// Compile-time interface check.
var _ switchboard.Provider = (*Provider)(nil)
