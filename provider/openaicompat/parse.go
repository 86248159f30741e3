package openaicompat

import (
	"encoding/json"

	"github.com/colloquy-ai/colloquy"
)

// ParseResponse converts an OpenAI-format ChatResponse to a colloquy
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (colloquy.ChatResponse, error) {
	var out colloquy.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
		if raw, err := json.Marshal(choice.Message); err == nil {
			out.Raw = raw
		}
	}

	if resp.Usage != nil {
		out.Usage = colloquy.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to colloquy ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so downstream decoding stays predictable.
func ParseToolCalls(tcs []ToolCallRequest) []colloquy.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]colloquy.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, colloquy.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
