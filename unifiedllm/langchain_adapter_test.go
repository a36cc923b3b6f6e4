package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

type fakeLangchainModel struct {
	messages []llms.MessageContent
	options  llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (f *fakeLangchainModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, opt := range options {
		opt(&f.options)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeLangchainModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchainAdapterComplete(t *testing.T) {
	fake := &fakeLangchainModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    "",
		StopReason: "tool_calls",
		ToolCalls: []llms.ToolCall{{
			ID:           "call_abc",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "list_files", Arguments: `{"path":"src"}`},
		}},
		GenerationInfo: map[string]any{"PromptTokens": 40, "CompletionTokens": 8, "TotalTokens": 48},
	}}}}
	adapter := NewLangchainAdapter("openai", fake, "gpt-4o", 2048)

	resp, err := adapter.Complete(context.Background(), Request{
		Messages: []Message{SystemMessage("sys"), UserMessage("what is in src?")},
		ToolDefs: []ToolDefinition{{Name: "list_files", Description: "List files", Parameters: map[string]interface{}{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 || calls[0].ID != "call_abc" || calls[0].Name != "list_files" {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	if string(calls[0].Arguments) != `{"path":"src"}` {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("unexpected finish reason %+v", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 40 || resp.Usage.TotalTokens != 48 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	if fake.options.Model != "gpt-4o" || fake.options.MaxTokens != 2048 {
		t.Errorf("unexpected call options model=%q max=%d", fake.options.Model, fake.options.MaxTokens)
	}
	if len(fake.options.Tools) != 1 || fake.options.Tools[0].Function.Name != "list_files" {
		t.Errorf("tools not forwarded: %+v", fake.options.Tools)
	}
	if len(fake.messages) != 2 || fake.messages[0].Role != llms.ChatMessageTypeSystem {
		t.Errorf("unexpected messages %+v", fake.messages)
	}
}

func TestToLangchainMessagesToolRound(t *testing.T) {
	assistant := AssistantMessage("checking")
	assistant.Content = append(assistant.Content, ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"a"}`)))

	msgs := toLangchainMessages([]Message{
		UserMessage("read a"),
		assistant,
		ToolResultMessage("call_1", "File: a", false),
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	ai := msgs[1]
	if ai.Role != llms.ChatMessageTypeAI || len(ai.Parts) != 2 {
		t.Fatalf("unexpected assistant message %+v", ai)
	}
	call, ok := ai.Parts[1].(llms.ToolCall)
	if !ok || call.FunctionCall.Name != "read_file" {
		t.Errorf("expected tool call part, got %#v", ai.Parts[1])
	}

	tool := msgs[2]
	if tool.Role != llms.ChatMessageTypeTool {
		t.Fatalf("expected tool role, got %q", tool.Role)
	}
	result, ok := tool.Parts[0].(llms.ToolCallResponse)
	if !ok || result.ToolCallID != "call_1" || result.Content != "File: a" {
		t.Errorf("unexpected tool response %#v", tool.Parts[0])
	}
}

func TestLangchainAdapterErrors(t *testing.T) {
	adapter := NewLangchainAdapter("openai", &fakeLangchainModel{err: errors.New("API returned unexpected status code: 401: invalid api key")}, "gpt-4o", 0)
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if _, ok := err.(*AuthenticationError); !ok {
		t.Fatalf("expected AuthenticationError, got %T", err)
	}

	adapter = NewLangchainAdapter("openai", &fakeLangchainModel{resp: &llms.ContentResponse{}}, "gpt-4o", 0)
	_, err = adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError for empty choices, got %T", err)
	}
}
