package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainAdapter drives any langchaingo llms.Model that supports
// OpenAI-style function calling.
type LangchainAdapter struct {
	provider  string
	llm       llms.Model
	model     string
	maxTokens int
}

// NewOpenAIAdapter creates a LangchainAdapter backed by langchaingo's OpenAI
// client. If apiKey is empty the client reads OPENAI_API_KEY.
func NewOpenAIAdapter(apiKey, model string, maxTokens int) (*LangchainAdapter, error) {
	if model == "" {
		if info := GetLatestModel("openai"); info != nil {
			model = info.ID
		}
	}
	opts := []openai.Option{openai.WithModel(model)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return NewLangchainAdapter("openai", llm, model, maxTokens), nil
}

// NewLangchainAdapter wraps an existing llms.Model.
func NewLangchainAdapter(provider string, llm llms.Model, model string, maxTokens int) *LangchainAdapter {
	return &LangchainAdapter{
		provider:  provider,
		llm:       llm,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name returns the provider identifier.
func (a *LangchainAdapter) Name() string { return a.provider }

// Complete sends a blocking request and returns the full response.
func (a *LangchainAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var callOpts []llms.CallOption
	if model != "" {
		callOpts = append(callOpts, llms.WithModel(model))
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(maxTokens))
	}
	if req.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*req.Temperature))
	}
	if len(req.ToolDefs) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangchainTools(req.ToolDefs)))
	}
	if req.ToolChoice != nil {
		callOpts = append(callOpts, llms.WithToolChoice(req.ToolChoice.Mode))
	}

	resp, err := a.llm.GenerateContent(ctx, toLangchainMessages(req.Messages), callOpts...)
	if err != nil {
		return nil, ClassifyError(a.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError: SDKError{Message: "response contained no choices"},
			Provider: a.provider,
		}
	}
	return a.buildResponse(model, resp.Choices[0]), nil
}

// toLangchainMessages converts unified messages into langchaingo chat
// messages. Each tool result becomes its own tool-role message.
func toLangchainMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.TextContent()))
		case RoleAssistant:
			content := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if text := msg.TextContent(); text != "" {
				content.Parts = append(content.Parts, llms.TextContent{Text: text})
			}
			for _, call := range msg.ToolCalls() {
				content.Parts = append(content.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(rawArguments(call.Arguments)),
					},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		default:
			if text := msg.TextContent(); text != "" {
				out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, text))
			}
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, llms.MessageContent{
					Role: llms.ChatMessageTypeTool,
					Parts: []llms.ContentPart{llms.ToolCallResponse{
						ToolCallID: part.ToolResult.ToolCallID,
						Content:    part.ToolResult.Content,
					}},
				})
			}
		}
	}
	return out
}

func toLangchainTools(defs []ToolDefinition) []llms.Tool {
	tools := make([]llms.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func (a *LangchainAdapter) buildResponse(model string, choice *llms.ContentChoice) *Response {
	reply := Message{Role: RoleAssistant}
	if choice.Content != "" {
		reply.Content = append(reply.Content, TextPart(choice.Content))
	}
	for _, call := range choice.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		reply.Content = append(reply.Content, ToolCallPart(
			call.ID, call.FunctionCall.Name, rawArguments(json.RawMessage(call.FunctionCall.Arguments)),
		))
	}

	reason := "other"
	switch choice.StopReason {
	case "stop", "":
		reason = "stop"
	case "tool_calls", "function_call":
		reason = "tool_calls"
	case "length":
		reason = "length"
	case "content_filter":
		reason = "content_filter"
	}
	if len(reply.ToolCalls()) > 0 {
		reason = "tool_calls"
	}

	usage := Usage{
		InputTokens:  generationInt(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: generationInt(choice.GenerationInfo, "CompletionTokens"),
	}
	usage.TotalTokens = generationInt(choice.GenerationInfo, "TotalTokens")
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &Response{
		Model:        model,
		Provider:     a.provider,
		Message:      reply,
		FinishReason: FinishReason{Reason: reason, Raw: choice.StopReason},
		Usage:        usage,
	}
}

func generationInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
