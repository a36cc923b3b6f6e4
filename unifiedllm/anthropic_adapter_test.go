package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type fakeAnthropicMessages struct {
	params []anthropic.MessageNewParams
	reply  *anthropic.Message
	err    error
}

func (f *fakeAnthropicMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.params = append(f.params, body)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func mustAnthropicMessage(t *testing.T, raw string) *anthropic.Message {
	t.Helper()
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	return &msg
}

func TestAnthropicAdapterComplete(t *testing.T) {
	fake := &fakeAnthropicMessages{reply: mustAnthropicMessage(t, `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": [
			{"type": "text", "text": "Let me read that."},
			{"type": "tool_use", "id": "toolu_01", "name": "read_file", "input": {"path": "main.go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`)}
	adapter := &AnthropicAdapter{messages: fake, model: "claude-sonnet-4-20250514", maxTokens: 1024}

	resp, err := adapter.Complete(context.Background(), Request{
		Messages: []Message{SystemMessage("be brief"), UserMessage("open main.go")},
		ToolDefs: []ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"path"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text() != "Let me read that." {
		t.Errorf("unexpected text %q", resp.Text())
	}
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 || calls[0].ID != "toolu_01" || calls[0].Name != "read_file" {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "main.go" {
		t.Errorf("unexpected arguments %s (%v)", calls[0].Arguments, err)
	}
	if resp.FinishReason.Reason != "tool_calls" || resp.FinishReason.Raw != "tool_use" {
		t.Errorf("unexpected finish reason %+v", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Errorf("expected 150 total tokens, got %d", resp.Usage.TotalTokens)
	}

	if len(fake.params) != 1 {
		t.Fatalf("expected one request, got %d", len(fake.params))
	}
	params := fake.params[0]
	if params.MaxTokens != 1024 || string(params.Model) != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected model params %v %v", params.Model, params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("system prompt not forwarded: %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil || params.Tools[0].OfTool.Name != "read_file" {
		t.Fatalf("tools not forwarded: %+v", params.Tools)
	}
	if req := params.Tools[0].OfTool.InputSchema.Required; len(req) != 1 || req[0] != "path" {
		t.Errorf("unexpected required fields %v", req)
	}
}

func TestToAnthropicMessagesMergesToolResults(t *testing.T) {
	assistant := AssistantMessage("")
	assistant.Content = append(assistant.Content,
		ToolCallPart("toolu_1", "read_file", json.RawMessage(`{"path":"a"}`)),
		ToolCallPart("toolu_2", "list_files", nil),
	)
	msgs := toAnthropicMessages([]Message{
		SystemMessage("ignored"),
		UserMessage("look around"),
		assistant,
		ToolResultMessage("toolu_1", "File: a", false),
		ToolResultMessage("toolu_2", "Error: path not found: .", true),
	})

	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant, user; got %d messages", len(msgs))
	}
	if msgs[1].Role != anthropic.MessageParamRoleAssistant || len(msgs[1].Content) != 2 {
		t.Fatalf("unexpected assistant message %+v", msgs[1])
	}
	if in, ok := msgs[1].Content[1].OfToolUse.Input.(json.RawMessage); !ok || string(in) != "{}" {
		t.Errorf("missing input should be sent as {}, got %v", msgs[1].Content[1].OfToolUse.Input)
	}

	results := msgs[2]
	if results.Role != anthropic.MessageParamRoleUser || len(results.Content) != 2 {
		t.Fatalf("expected both results merged into one user message, got %+v", results)
	}
	second := results.Content[1].OfToolResult
	if second == nil || second.ToolUseID != "toolu_2" {
		t.Fatalf("unexpected second result %+v", results.Content[1])
	}
	if !second.IsError.Value {
		t.Error("expected is_error on failed result")
	}
}

func TestAnthropicAdapterTranslatesAPIError(t *testing.T) {
	endpoint, _ := url.Parse("https://api.anthropic.com/v1/messages")
	apiErr := &anthropic.Error{
		StatusCode: 429,
		Request:    &http.Request{Method: http.MethodPost, URL: endpoint},
		Response:   &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"7"}}},
	}
	adapter := &AnthropicAdapter{messages: &fakeAnthropicMessages{err: apiErr}}

	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rl.RetryAfter == nil || *rl.RetryAfter != 7 {
		t.Errorf("expected retry-after 7, got %v", rl.RetryAfter)
	}
	if rl.Provider != "anthropic" {
		t.Errorf("unexpected provider %q", rl.Provider)
	}
}

func TestAnthropicAdapterClassifiesTransportError(t *testing.T) {
	adapter := &AnthropicAdapter{messages: &fakeAnthropicMessages{err: context.DeadlineExceeded}}
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if _, ok := err.(*RequestTimeoutError); !ok {
		t.Fatalf("expected RequestTimeoutError, got %T", err)
	}
}
