package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm returns plain text, so the conversation is flattened into a single
// prompt and tool calls are recovered from JSON the model emits.
type GollmAdapter struct {
	provider    string
	llm         gollm.LLM
	model       string
	countTokens func(string) int
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	countTokens func(string) int
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTokenCounter replaces CountTokens for usage reporting. gollm returns
// no usage, so the adapter counts prompt and completion itself.
func WithTokenCounter(count func(string) int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.countTokens = count
	}
}

func newGollmAdapterConfig(opts []GollmAdapterOption) *gollmAdapterConfig {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.7,
		countTokens: CountTokens,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewGollmAdapter creates a new GollmAdapter for the given gollm backend
// ("openai", "anthropic", "ollama", ...). If apiKey is empty, gollm reads it
// from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := newGollmAdapterConfig(opts)

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are handled by RetryPolicy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider:    provider,
		llm:         llm,
		model:       model,
		countTokens: cfg.countTokens,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance. Only
// WithModel and WithTokenCounter apply; the rest configure a new LLM.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM, opts ...GollmAdapterOption) *GollmAdapter {
	cfg := newGollmAdapterConfig(opts)
	return &GollmAdapter{
		provider:    provider,
		llm:         llm,
		model:       cfg.model,
		countTokens: cfg.countTokens,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, ClassifyError(a.provider, err)
	}
	return a.buildResponse(req, text), nil
}

// translateRequest flattens the conversation into a gollm Prompt. System
// messages become the system prompt; everything else is rendered as tagged
// lines so earlier tool rounds stay visible to the model.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var lines []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, text)
			}
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(rawArguments(call.Arguments))))
			}
		}
		for _, part := range msg.Content {
			if part.Kind != ContentToolResult || part.ToolResult == nil {
				continue
			}
			prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
			if part.ToolResult.IsError {
				prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
			}
			lines = append(lines, prefix+": "+part.ToolResult.Content)
		}
	}

	promptText := strings.Join(lines, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if system := req.SystemPrompt(); system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, remaining := parseToolCalls(text)

	var parts []ContentPart
	if remaining != "" {
		parts = append(parts, TextPart(remaining))
	}
	for _, call := range calls {
		parts = append(parts, ToolCallPart(call.ID, call.Name, call.Arguments))
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	input := a.promptTokens(req)
	output := a.countTokens(text)
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output},
	}
}

// parseToolCalls extracts tool calls that the model wrote as JSON, either as
// {"tool_calls":[...]} or a bare [{"name":...}] array. It returns the calls
// and the text preceding the JSON.
func parseToolCalls(text string) ([]ToolCallData, string) {
	type rawCall struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var raw []rawCall
	start := strings.Index(text, `{"tool_calls"`)
	if start != -1 {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapped); err == nil {
			raw = wrapped.ToolCalls
		}
	} else if start = strings.Index(text, `[{"name"`); start != -1 {
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err != nil {
			raw = nil
		}
	}
	if len(raw) == 0 {
		return nil, strings.TrimSpace(text)
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCallData{ID: id, Name: rc.Name, Arguments: rawArguments(rc.Arguments)})
	}
	if len(calls) == 0 {
		return nil, strings.TrimSpace(text)
	}
	return calls, strings.TrimSpace(text[:start])
}

// promptTokens counts the tokens of every text and tool result in req.
func (a *GollmAdapter) promptTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += a.countTokens(part.Text)
			case ContentToolResult:
				if part.ToolResult != nil {
					total += a.countTokens(part.ToolResult.Content)
				}
			}
		}
	}
	return total
}
