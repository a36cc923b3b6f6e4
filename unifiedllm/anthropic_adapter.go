package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMessages is the subset of the SDK's MessageService the adapter uses.
type anthropicMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicAdapter talks to the Anthropic Messages API through the official
// SDK. Tool calls arrive as native tool_use blocks.
type AnthropicAdapter struct {
	messages  anthropicMessages
	model     string
	maxTokens int
}

// AnthropicAdapterOption configures an AnthropicAdapter.
type AnthropicAdapterOption func(*anthropicAdapterConfig)

type anthropicAdapterConfig struct {
	model     string
	maxTokens int
}

// WithAnthropicModel sets the default model for requests that do not name one.
func WithAnthropicModel(model string) AnthropicAdapterOption {
	return func(c *anthropicAdapterConfig) {
		c.model = model
	}
}

// WithAnthropicMaxTokens sets the default max_tokens.
func WithAnthropicMaxTokens(n int) AnthropicAdapterOption {
	return func(c *anthropicAdapterConfig) {
		c.maxTokens = n
	}
}

// NewAnthropicAdapter creates an adapter backed by anthropic.NewClient. If
// apiKey is empty the SDK reads ANTHROPIC_API_KEY from the environment.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicAdapterOption) *AnthropicAdapter {
	cfg := &anthropicAdapterConfig{maxTokens: 4096}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		if info := GetLatestModel("anthropic"); info != nil {
			cfg.model = info.ID
		}
	}

	// Retries are handled by RetryPolicy.
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(reqOpts...)
	return &AnthropicAdapter{
		messages:  &client.Messages,
		model:     cfg.model,
		maxTokens: cfg.maxTokens,
	}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking request and returns the full response.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	msg, err := a.messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(msg), nil
}

func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = toAnthropicTools(req.ToolDefs)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// toAnthropicMessages converts unified messages into Anthropic message params.
// Tool results become tool_result blocks in a user message, and consecutive
// messages with the same role are merged so a round's results travel together.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		role := anthropic.MessageParamRoleUser
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				if part.Text == "" {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: part.Text},
				})
			case ContentToolCall:
				if part.ToolCall == nil {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    part.ToolCall.ID,
						Name:  part.ToolCall.Name,
						Input: rawArguments(part.ToolCall.Arguments),
					},
				})
			case ContentToolResult:
				if part.ToolResult == nil {
					continue
				}
				result := &anthropic.ToolResultBlockParam{ToolUseID: part.ToolResult.ToolCallID}
				if part.ToolResult.Content != "" {
					result.Content = []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: part.ToolResult.Content}},
					}
				}
				if part.ToolResult.IsError {
					result.IsError = anthropic.Bool(true)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: result})
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func toAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: def.Parameters["properties"],
					Required:   requiredFields(def.Parameters),
				},
			},
		})
	}
	return tools
}

// requiredFields reads the "required" list of a JSON schema regardless of
// whether it was built in Go or decoded from JSON.
func requiredFields(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		fields := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	return nil
}

// rawArguments guarantees a JSON object for tool inputs.
func rawArguments(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || string(args) == "null" {
		return json.RawMessage(`{}`)
	}
	return args
}

func (a *AnthropicAdapter) buildResponse(msg *anthropic.Message) *Response {
	reply := Message{Role: RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			reply.Content = append(reply.Content, TextPart(block.Text))
		case "tool_use":
			input, err := json.Marshal(block.Input)
			if err != nil {
				input = nil
			}
			reply.Content = append(reply.Content, ToolCallPart(block.ID, block.Name, rawArguments(input)))
		}
	}

	raw := string(msg.StopReason)
	reason := "other"
	switch raw {
	case "end_turn", "stop_sequence":
		reason = "stop"
	case "tool_use":
		reason = "tool_calls"
	case "max_tokens":
		reason = "length"
	case "refusal":
		reason = "content_filter"
	}

	input := int(msg.Usage.InputTokens)
	output := int(msg.Usage.OutputTokens)
	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      reply,
		FinishReason: FinishReason{Reason: reason, Raw: raw},
		Usage:        Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output},
	}
}

// translateError maps SDK errors onto the unified hierarchy using the HTTP
// status code when one is available.
func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var after *float64
		if apiErr.Response != nil {
			if v, perr := strconv.ParseFloat(apiErr.Response.Header.Get("retry-after"), 64); perr == nil {
				after = &v
			}
		}
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), err, after)
	}
	return ClassifyError(a.Name(), err)
}
