package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// ExitKeyword ends the conversation when entered on its own line.
const ExitKeyword = "exit"

// IsExit reports whether input is the exit keyword, ignoring case and
// surrounding whitespace.
func IsExit(input string) bool {
	return strings.EqualFold(strings.TrimSpace(input), ExitKeyword)
}

// ToolNotFoundMessage is the tool result payload for an unregistered tool.
func ToolNotFoundMessage(name string) string {
	return fmt.Sprintf("Tool '%s' not found", name)
}

// State is the agent's position in the conversation state machine.
type State string

const (
	StateAwaitingInput State = "awaiting_input"
	StateAwaitingModel State = "awaiting_model"
	StateStopped       State = "stopped"
)

// AgentConfig holds configuration for an agent. It is copied at construction
// and never changes afterwards.
type AgentConfig struct {
	LogToolUse          bool   `json:"log_tool_use"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
	MaxToolRounds       int    `json:"max_tool_rounds"` // per user input, 0 = unlimited
	EnableLoopDetection bool   `json:"enable_loop_detection"`
	LoopDetectionWindow int    `json:"loop_detection_window"`
	ContextWindow       int    `json:"context_window"` // 0 disables usage warnings
}

// DefaultAgentConfig returns the default configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		LogToolUse:          true,
		MaxToolRounds:       200,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

// AgentOption configures optional agent collaborators.
type AgentOption func(*Agent)

// WithOutput sets the side channel for tool echoes, warnings and errors.
func WithOutput(out Output) AgentOption {
	return func(a *Agent) { a.output = out }
}

// WithLogger sets the logger used for diagnostics and, unless WithOutput is
// given, for the side channel.
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = logger }
}

// WithTokenCounter replaces the tiktoken-based counter used for context
// usage warnings.
func WithTokenCounter(counter TokenCounter) AgentOption {
	return func(a *Agent) { a.counter = counter }
}

// Agent drives the conversation: it reads user input, calls the model, runs
// requested tools in order and hands final answers to the response handler.
type Agent struct {
	id         string
	client     ModelClient
	registry   *ToolRegistry
	input      InputReader
	responses  ResponseHandler
	output     Output
	logger     *slog.Logger
	counter    TokenCounter
	emitter    *EventEmitter
	config     AgentConfig
	transcript []Message
	state      State
	rounds     int
	mu         sync.Mutex
}

// NewAgent creates an agent waiting for its first user input. A nil registry
// means no tools; a nil config means DefaultAgentConfig.
func NewAgent(client ModelClient, registry *ToolRegistry, input InputReader, responses ResponseHandler, config *AgentConfig, opts ...AgentOption) *Agent {
	cfg := DefaultAgentConfig()
	if config != nil {
		cfg = *config
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	id := uuid.New().String()
	a := &Agent{
		id:        id,
		client:    client,
		registry:  registry,
		input:     input,
		responses: responses,
		emitter:   NewEventEmitter(id, 256),
		config:    cfg,
		state:     StateAwaitingInput,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.output == nil {
		a.output = NewLogOutput(a.logger)
	}
	if a.counter == nil {
		a.counter = NewTiktokenCounter()
	}
	a.logger = a.logger.With(slog.String("session_id", id))

	a.emitter.Emit(EventSessionStart, map[string]any{
		"tools": registry.Names(),
	})
	return a
}

// ID returns the session identifier.
func (a *Agent) ID() string { return a.id }

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Transcript returns a copy of the conversation so far.
func (a *Agent) Transcript() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := make([]Message, len(a.transcript))
	copy(t, a.transcript)
	return t
}

// Events returns the event channel. It is closed once the agent stops.
func (a *Agent) Events() <-chan SessionEvent {
	return a.emitter.Events()
}

// Run steps the agent until it stops. It returns nil on the exit keyword or
// end of input, and an error when input fails or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for a.State() != StateStopped {
		if err := a.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step performs a single state transition. A non-nil error is only returned
// together with a transition to StateStopped.
func (a *Agent) Step(ctx context.Context) error {
	switch a.State() {
	case StateAwaitingInput:
		return a.awaitInput(ctx)
	case StateAwaitingModel:
		return a.awaitModel(ctx)
	default:
		return nil
	}
}

func (a *Agent) awaitInput(ctx context.Context) error {
	text, err := a.input.ReadInput(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			a.stop("end_of_input")
			return nil
		case ctx.Err() != nil:
			a.stop("cancelled")
			return ctx.Err()
		default:
			a.output.Error("reading input failed", err)
			a.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			a.stop("input_error")
			return fmt.Errorf("read input: %w", err)
		}
	}

	if IsExit(text) {
		a.stop("exit")
		return nil
	}

	a.mu.Lock()
	a.transcript = append(a.transcript, NewUserMessage(text))
	a.rounds = 0
	a.state = StateAwaitingModel
	a.mu.Unlock()

	a.emitter.Emit(EventUserInput, map[string]any{"content": text})
	return nil
}

func (a *Agent) awaitModel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		a.stop("cancelled")
		return err
	}

	a.mu.Lock()
	rounds := a.rounds
	a.mu.Unlock()
	if a.config.MaxToolRounds > 0 && rounds >= a.config.MaxToolRounds {
		a.output.Error(fmt.Sprintf("tool round limit of %d reached; waiting for new input", a.config.MaxToolRounds), nil)
		a.emitter.Emit(EventTurnLimit, map[string]any{"round": rounds})
		a.setState(StateAwaitingInput)
		return nil
	}

	a.logger.Debug("calling model", slog.Int("round", rounds), slog.Int("messages", len(a.Transcript())))
	gen, err := a.client.Generate(ctx, a.config.SystemPrompt, a.Transcript(), a.registry)
	if err != nil {
		if ctx.Err() != nil {
			a.stop("cancelled")
			return ctx.Err()
		}
		a.output.Error("model call failed; enter a new message to retry", err)
		a.emitter.Emit(EventError, map[string]any{"error": err.Error()})
		a.setState(StateAwaitingInput)
		return nil
	}
	if gen == nil {
		a.output.Error("model returned no generation; enter a new message to retry", nil)
		a.emitter.Emit(EventError, map[string]any{"error": "empty generation"})
		a.setState(StateAwaitingInput)
		return nil
	}

	if len(gen.ToolInvocations) == 0 {
		a.finishTurn(ctx, gen)
		return nil
	}
	a.runTools(ctx, gen)
	return nil
}

// finishTurn delivers a final answer and returns control to the user.
func (a *Agent) finishTurn(ctx context.Context, gen *Generation) {
	text := gen.Text
	if text == "" {
		text = lastAssistantText(gen.Messages)
	}

	if text == "" {
		a.output.Warning("no output produced")
		a.emitter.Emit(EventWarning, map[string]any{"message": "no output produced"})
	} else if err := a.responses.HandleResponse(ctx, text); err != nil {
		a.output.Error("delivering response failed", err)
		a.emitter.Emit(EventError, map[string]any{"error": err.Error()})
	}

	a.mu.Lock()
	a.transcript = append(a.transcript, assistantMessages(gen, text)...)
	a.state = StateAwaitingInput
	a.mu.Unlock()

	a.emitter.Emit(EventAssistantTextEnd, map[string]any{"text": text})
	a.checkContextUsage()
}

// runTools appends the tool-call message, resolves every invocation in order
// and leaves the agent waiting on the model again.
func (a *Agent) runTools(ctx context.Context, gen *Generation) {
	invocations := make([]ToolInvocation, len(gen.ToolInvocations))
	for i, inv := range gen.ToolInvocations {
		if inv.ID == "" {
			inv.ID = "call_" + uuid.New().String()[:8]
		}
		invocations[i] = inv
	}

	a.mu.Lock()
	a.rounds++
	a.transcript = append(a.transcript, NewAssistantMessage(gen.Text, invocations...))
	a.mu.Unlock()

	if gen.Text != "" {
		a.emitter.Emit(EventAssistantTextEnd, map[string]any{"text": gen.Text})
	}

	for _, inv := range invocations {
		result := a.invoke(ctx, inv)
		a.mu.Lock()
		a.transcript = append(a.transcript, NewToolResultMessage(result))
		a.mu.Unlock()
	}

	if a.config.EnableLoopDetection && DetectLoop(a.Transcript(), a.config.LoopDetectionWindow) {
		warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern", a.config.LoopDetectionWindow)
		a.output.Warning(warning)
		a.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
	}
	a.checkContextUsage()
}

func (a *Agent) invoke(ctx context.Context, inv ToolInvocation) ToolResult {
	a.emitter.Emit(EventToolCallStart, map[string]any{
		"tool_name": inv.Name,
		"call_id":   inv.ID,
	})

	tool, ok := a.registry.Get(inv.Name)
	if !ok {
		msg := ToolNotFoundMessage(inv.Name)
		report := msg
		if suggestion := suggestTool(inv.Name, a.registry.Names()); suggestion != "" {
			report += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		a.output.Error(report, nil)
		a.emitter.Emit(EventToolCallEnd, map[string]any{
			"call_id": inv.ID,
			"error":   msg,
		})
		return ToolResult{ToolUseID: inv.ID, Content: msg, IsError: true}
	}

	if a.config.LogToolUse {
		a.output.ToolUse(inv.Name, inv.Input)
	}
	result := executeTool(ctx, tool, inv.Input)
	if a.config.LogToolUse {
		a.output.ToolResult(inv.Name, result)
	}

	a.emitter.Emit(EventToolCallEnd, map[string]any{
		"call_id": inv.ID,
		"output":  result,
	})
	return ToolResult{ToolUseID: inv.ID, Content: result}
}

func executeTool(ctx context.Context, tool Tool, input []byte) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("Error: tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, input)
}

func (a *Agent) checkContextUsage() {
	if a.config.ContextWindow <= 0 {
		return
	}
	tokens := EstimateTokens(a.counter, a.config.SystemPrompt, a.Transcript())
	if warning, ok := contextUsageWarning(tokens, a.config.ContextWindow); ok {
		a.output.Warning(warning)
		a.emitter.Emit(EventWarning, map[string]any{"message": warning, "tokens": tokens})
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func (a *Agent) stop(reason string) {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return
	}
	a.state = StateStopped
	a.mu.Unlock()

	a.logger.Debug("agent stopped", slog.String("reason", reason))
	a.emitter.Emit(EventSessionEnd, map[string]any{"reason": reason})
	a.emitter.Close()
}

// lastAssistantMessage returns the final assistant message in messages.
func lastAssistantMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i], true
		}
	}
	return Message{}, false
}

// lastAssistantText returns the text of the final assistant message only.
func lastAssistantText(messages []Message) string {
	if msg, ok := lastAssistantMessage(messages); ok {
		return msg.Text()
	}
	return ""
}

// assistantMessages picks what to record for a final answer: the model's
// last assistant message when it carries text, else a message built from
// text. Nothing is recorded when text is empty.
func assistantMessages(gen *Generation, text string) []Message {
	if text == "" {
		return nil
	}
	if msg, ok := lastAssistantMessage(gen.Messages); ok && msg.Text() == text {
		return []Message{msg}
	}
	return []Message{NewAssistantMessage(text)}
}

// suggestTool finds the registered name closest to name, or "".
func suggestTool(name string, names []string) string {
	if ranks := fuzzy.RankFindNormalizedFold(name, names); len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Target
	}
	best, bestDist := "", 4
	for _, candidate := range names {
		if d := fuzzy.LevenshteinDistance(strings.ToLower(name), strings.ToLower(candidate)); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}
