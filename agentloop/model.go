package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/noviadi/code-agent/unifiedllm"
	"github.com/samber/lo"
)

// Generation is the outcome of one model round.
type Generation struct {
	Text            string
	ToolInvocations []ToolInvocation
	// Messages holds the assistant messages the model produced this round.
	Messages []Message
	Usage    unifiedllm.Usage
}

// ModelClient is the loop's view of the language model.
type ModelClient interface {
	Generate(ctx context.Context, systemPrompt string, transcript []Message, registry *ToolRegistry) (*Generation, error)
}

// LLMClient implements ModelClient on top of a unifiedllm.Client.
type LLMClient struct {
	client         *unifiedllm.Client
	provider       string
	model          string
	maxTokens      int
	requestTimeout time.Duration
	retry          unifiedllm.RetryPolicy
}

// LLMClientOption configures an LLMClient.
type LLMClientOption func(*LLMClient)

// WithProvider routes requests to a named provider.
func WithProvider(name string) LLMClientOption {
	return func(c *LLMClient) { c.provider = name }
}

// WithModel sets the model ID sent with each request.
func WithModel(model string) LLMClientOption {
	return func(c *LLMClient) { c.model = model }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) LLMClientOption {
	return func(c *LLMClient) { c.maxTokens = n }
}

// WithRequestTimeout bounds each attempt. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) LLMClientOption {
	return func(c *LLMClient) { c.requestTimeout = d }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy unifiedllm.RetryPolicy) LLMClientOption {
	return func(c *LLMClient) { c.retry = policy }
}

// NewLLMClient wraps client as a ModelClient.
func NewLLMClient(client *unifiedllm.Client, opts ...LLMClientOption) *LLMClient {
	c := &LLMClient{
		client: client,
		retry:  unifiedllm.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model ID.
func (c *LLMClient) Model() string { return c.model }

// Generate sends the transcript and tool definitions to the model and
// converts the reply.
func (c *LLMClient) Generate(ctx context.Context, systemPrompt string, transcript []Message, registry *ToolRegistry) (*Generation, error) {
	req := c.buildRequest(systemPrompt, transcript, registry)

	resp, err := unifiedllm.Retry(ctx, c.retry, func(ctx context.Context) (*unifiedllm.Response, error) {
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
		return c.client.Complete(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	return generationFromResponse(resp), nil
}

func (c *LLMClient) buildRequest(systemPrompt string, transcript []Message, registry *ToolRegistry) unifiedllm.Request {
	messages := make([]unifiedllm.Message, 0, len(transcript)+1)
	if systemPrompt != "" {
		messages = append(messages, unifiedllm.SystemMessage(systemPrompt))
	}
	messages = append(messages, ConvertTranscript(transcript)...)

	req := unifiedllm.Request{
		Model:    c.model,
		Provider: c.provider,
		Messages: messages,
	}
	if c.maxTokens > 0 {
		maxTokens := c.maxTokens
		req.MaxTokens = &maxTokens
	}
	if registry != nil && registry.Count() > 0 {
		req.ToolDefs = lo.Map(registry.Definitions(), func(td ToolDefinition, _ int) unifiedllm.ToolDefinition {
			return unifiedllm.ToolDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			}
		})
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	return req
}

// ConvertTranscript maps transcript messages onto unifiedllm messages. Each
// tool result becomes its own tool-role message.
func ConvertTranscript(transcript []Message) []unifiedllm.Message {
	var out []unifiedllm.Message
	for _, msg := range transcript {
		switch msg.Role {
		case RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, unifiedllm.UserMessage(text))
			}
			for _, r := range msg.ToolResults() {
				out = append(out, unifiedllm.ToolResultMessage(r.ToolUseID, r.Content, r.IsError))
			}
		case RoleAssistant:
			m := unifiedllm.AssistantMessage(msg.Text())
			for _, inv := range msg.ToolInvocations() {
				m.Content = append(m.Content, unifiedllm.ToolCallPart(inv.ID, inv.Name, inv.Input))
			}
			out = append(out, m)
		}
	}
	return out
}

func generationFromResponse(resp *unifiedllm.Response) *Generation {
	invocations := lo.Map(resp.ToolCallsFromResponse(), func(tc unifiedllm.ToolCall, _ int) ToolInvocation {
		return ToolInvocation{ID: tc.ID, Name: tc.Name, Input: tc.Arguments}
	})
	text := resp.Text()
	return &Generation{
		Text:            text,
		ToolInvocations: invocations,
		Messages:        []Message{NewAssistantMessage(text, invocations...)},
		Usage:           resp.Usage,
	}
}
