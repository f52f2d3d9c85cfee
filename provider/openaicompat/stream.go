package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/Dethon/switchboard"
)

// streamState accumulates everything the final ChatResponse needs while
// individual deltas are forwarded to the consumer.
type streamState struct {
	content   strings.Builder
	reasoning strings.Builder
	usage     switchboard.Usage

	// The API streams tool calls incrementally: each chunk addresses a call
	// by index and arguments arrive as string fragments.
	calls []partialToolCall
}

type partialToolCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// StreamSSE reads an SSE stream from body, forwards deltas to ch, and
// returns the fully accumulated response. ch stays open; the caller owns
// it. Malformed chunks are skipped: logged at debug and counted, never
// fatal, because one bad chunk should not kill a live answer.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- switchboard.StreamDelta, provider string, logger *slog.Logger, metrics StreamMetrics) (switchboard.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads need a bigger line buffer than the default.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var st streamState
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if logger != nil {
				logger.Debug("skipping malformed stream chunk", "provider", provider, "error", err)
			}
			if metrics != nil {
				metrics.SSEParseError(provider)
			}
			continue
		}
		if err := applyChunk(ctx, chunk, &st, ch); err != nil {
			return switchboard.ChatResponse{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return switchboard.ChatResponse{}, err
	}
	return st.finish(), nil
}

func applyChunk(ctx context.Context, chunk ChatResponse, st *streamState, ch chan<- switchboard.StreamDelta) error {
	if chunk.Usage != nil {
		st.usage.InputTokens = chunk.Usage.PromptTokens
		st.usage.OutputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		// Usage-only chunk, some providers send one last.
		return nil
	}
	delta := chunk.Choices[0].Delta
	if delta == nil {
		return nil
	}

	if delta.Content != "" {
		st.content.WriteString(delta.Content)
		if err := send(ctx, ch, switchboard.StreamDelta{Content: delta.Content}); err != nil {
			return err
		}
	}
	if r := reasoningOf(delta); r != "" {
		st.reasoning.WriteString(r)
		if err := send(ctx, ch, switchboard.StreamDelta{Reasoning: r}); err != nil {
			return err
		}
	}

	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		for len(st.calls) <= idx {
			st.calls = append(st.calls, partialToolCall{})
		}
		call := &st.calls[idx]
		if tc.ID != "" {
			call.ID = tc.ID
		}
		out := switchboard.StreamDelta{ToolCallID: call.ID}
		if tc.Function.Name != "" {
			call.Name = tc.Function.Name
			out.ToolCallName = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			call.Args.WriteString(tc.Function.Arguments)
			out.ToolCallArgs = tc.Function.Arguments
		}
		if out.ToolCallName != "" || out.ToolCallArgs != "" {
			if err := send(ctx, ch, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func send(ctx context.Context, ch chan<- switchboard.StreamDelta, d switchboard.StreamDelta) error {
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *streamState) finish() switchboard.ChatResponse {
	var toolCalls []switchboard.ToolCall
	for _, tc := range st.calls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		toolCalls = append(toolCalls, switchboard.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}
	return switchboard.ChatResponse{
		Content:   st.content.String(),
		Reasoning: st.reasoning.String(),
		ToolCalls: toolCalls,
		Usage:     st.usage,
	}
}
