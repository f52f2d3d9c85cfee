package openaicompat

import (
	"encoding/json"

	"github.com/Dethon/switchboard"
)

// ParseResponse converts an OpenAI-format ChatResponse to a switchboard
// ChatResponse. It extracts content, reasoning, tool calls and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (switchboard.ChatResponse, error) {
	var out switchboard.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Reasoning = reasoningOf(choice.Message)
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = switchboard.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to switchboard
// ToolCalls. The API returns function.arguments as a JSON string; invalid
// JSON is replaced with an empty object so downstream marshalling never
// chokes on it.
func ParseToolCalls(tcs []ToolCallRequest) []switchboard.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]switchboard.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, switchboard.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
