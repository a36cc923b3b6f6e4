package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type modelStep struct {
	gen *Generation
	err error
}

type modelCall struct {
	systemPrompt string
	transcript   []Message
	tools        []string
	responses    int // responses delivered before this call
}

type scriptedModel struct {
	steps     []modelStep
	calls     []modelCall
	responder *recordingResponses
}

func (m *scriptedModel) Generate(_ context.Context, systemPrompt string, transcript []Message, registry *ToolRegistry) (*Generation, error) {
	call := modelCall{systemPrompt: systemPrompt, transcript: transcript, tools: registry.Names()}
	if m.responder != nil {
		call.responses = len(m.responder.texts)
	}
	m.calls = append(m.calls, call)
	if len(m.steps) == 0 {
		return nil, errors.New("unexpected model call")
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step.gen, step.err
}

type scriptedInput struct {
	lines []string
	calls int
}

func (in *scriptedInput) ReadInput(context.Context) (string, error) {
	in.calls++
	if len(in.lines) == 0 {
		return "", io.EOF
	}
	line := in.lines[0]
	in.lines = in.lines[1:]
	return line, nil
}

type recordingResponses struct {
	texts []string
	err   error
}

func (r *recordingResponses) HandleResponse(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

type recordingOutput struct {
	toolUses    []string
	toolResults []string
	warnings    []string
	errors      []string
}

func (o *recordingOutput) ToolUse(name string, input json.RawMessage) {
	o.toolUses = append(o.toolUses, name+" "+string(input))
}

func (o *recordingOutput) ToolResult(name, result string) {
	o.toolResults = append(o.toolResults, name+": "+result)
}

func (o *recordingOutput) Warning(message string) { o.warnings = append(o.warnings, message) }

func (o *recordingOutput) Error(message string, err error) {
	if err != nil {
		message += ": " + err.Error()
	}
	o.errors = append(o.errors, message)
}

type testToolInput struct {
	Query string `json:"query" validate:"required"`
}

type harness struct {
	agent     *Agent
	model     *scriptedModel
	input     *scriptedInput
	responses *recordingResponses
	output    *recordingOutput
}

func newHarness(t *testing.T, registry *ToolRegistry, cfg *AgentConfig, inputs []string, steps ...modelStep) *harness {
	t.Helper()
	h := &harness{
		input:     &scriptedInput{lines: inputs},
		responses: &recordingResponses{},
		output:    &recordingOutput{},
	}
	h.model = &scriptedModel{steps: steps, responder: h.responses}
	h.agent = NewAgent(h.model, registry, h.input, h.responses, cfg,
		WithOutput(h.output),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return h
}

func textStep(text string) modelStep {
	return modelStep{gen: &Generation{Text: text}}
}

func toolStep(invocations ...ToolInvocation) modelStep {
	return modelStep{gen: &Generation{ToolInvocations: invocations}}
}

func queryTool(t *testing.T, seen *[]string) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(NewTool("test_tool", "Echoes a query.",
		func(_ context.Context, in testToolInput) string {
			*seen = append(*seen, in.Query)
			return "Tool result for " + in.Query
		})))
	return reg
}

// --- tests ---

func TestIsExit(t *testing.T) {
	for _, in := range []string{"exit", "EXIT", "  Exit\n", "\texIT "} {
		assert.True(t, IsExit(in), "%q", in)
	}
	for _, in := range []string{"", "exit now", "quit", "exits"} {
		assert.False(t, IsExit(in), "%q", in)
	}
}

func TestAgentExitStopsWithoutCallingModel(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"  EXIT "})

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Equal(t, StateStopped, h.agent.State())
	assert.Equal(t, 1, h.input.calls)
	assert.Empty(t, h.model.calls)
	assert.Empty(t, h.agent.Transcript())
}

func TestAgentPlainTextTurn(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"Hello Claude", "exit"}, textStep("Hi there!"))

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Len(t, h.model.calls, 1)
	assert.Equal(t, []string{"Hi there!"}, h.responses.texts)
	assert.Equal(t, 2, h.input.calls)
	assert.Equal(t, []Message{
		NewUserMessage("Hello Claude"),
		NewAssistantMessage("Hi there!"),
	}, h.agent.Transcript())
}

func TestAgentInputCalledOncePerTurnPlusExit(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"one", "two", "three", "exit"},
		textStep("a"), textStep("b"), textStep("c"))

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Equal(t, 4, h.input.calls)
	assert.Len(t, h.model.calls, 3)
	assert.Equal(t, []string{"a", "b", "c"}, h.responses.texts)
}

func TestAgentToolRoundTrip(t *testing.T) {
	var seen []string
	reg := queryTool(t, &seen)
	inv := ToolInvocation{ID: "toolu_1", Name: "test_tool", Input: json.RawMessage(`{"query":"some data"}`)}
	h := newHarness(t, reg, nil, []string{"Use the tool", "exit"},
		toolStep(inv),
		textStep("Tool executed successfully."),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.model.calls, 2)
	assert.Equal(t, []string{"some data"}, seen)
	assert.Equal(t, []string{"Tool executed successfully."}, h.responses.texts)

	want := []Message{
		NewUserMessage("Use the tool"),
		NewAssistantMessage("", inv),
		NewToolResultMessage(ToolResult{ToolUseID: "toolu_1", Content: "Tool result for some data"}),
		NewAssistantMessage("Tool executed successfully."),
	}
	assert.Equal(t, want, h.agent.Transcript())

	// The second call sees the tool result without new user input.
	assert.Equal(t, want[:3], h.model.calls[1].transcript)
	assert.Equal(t, []string{"test_tool"}, h.model.calls[1].tools)
}

func TestAgentRunsToolsSequentiallyInEmittedOrder(t *testing.T) {
	var seen []string
	reg := queryTool(t, &seen)
	invs := []ToolInvocation{
		{ID: "call_c", Name: "test_tool", Input: json.RawMessage(`{"query":"first"}`)},
		{ID: "call_a", Name: "test_tool", Input: json.RawMessage(`{"query":"second"}`)},
		{ID: "call_b", Name: "test_tool", Input: json.RawMessage(`{"query":"third"}`)},
	}
	h := newHarness(t, reg, nil, []string{"go", "exit"}, toolStep(invs...), textStep("done"))

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Equal(t, []string{"first", "second", "third"}, seen)
	require.Len(t, h.model.calls, 2)
	assert.Zero(t, h.model.calls[1].responses, "response delivered before the follow-up model call")

	transcript := h.agent.Transcript()
	require.Len(t, transcript, 6)
	assert.Equal(t, invs, transcript[1].ToolInvocations())
	for i, inv := range invs {
		msg := transcript[2+i]
		assert.Equal(t, RoleUser, msg.Role)
		results := msg.ToolResults()
		require.Len(t, results, 1)
		assert.Equal(t, inv.ID, results[0].ToolUseID)
		assert.False(t, results[0].IsError)
	}
}

func TestAgentUnknownTool(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, RegisterFileTools(reg, NewLocalExecutionEnvironment(t.TempDir())))
	h := newHarness(t, reg, nil, []string{"do it", "exit"},
		toolStep(ToolInvocation{ID: "toolu_9", Name: "read", Input: json.RawMessage(`{}`)}),
		textStep("sorry"),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	transcript := h.agent.Transcript()
	require.Len(t, transcript, 4)
	results := transcript[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "Tool 'read' not found", results[0].Content)
	assert.Equal(t, ToolNotFoundMessage("read"), results[0].Content)
	assert.True(t, results[0].IsError)

	require.Len(t, h.output.errors, 1)
	assert.Contains(t, h.output.errors[0], "Tool 'read' not found")
	assert.Contains(t, h.output.errors[0], `did you mean "read_file"`)
	assert.Empty(t, h.output.toolUses)
}

func TestAgentModelErrorReturnsToInput(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"first", "second", "exit"},
		modelStep{err: errors.New("connection reset")},
		textStep("ok"),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.output.errors, 1)
	assert.Contains(t, h.output.errors[0], "connection reset")
	assert.Equal(t, []string{"ok"}, h.responses.texts)
	assert.Equal(t, 3, h.input.calls)
	assert.Equal(t, []Message{
		NewUserMessage("first"),
		NewUserMessage("second"),
		NewAssistantMessage("ok"),
	}, h.agent.Transcript())
}

func TestAgentExtractsTextFromLastAssistantMessage(t *testing.T) {
	reply := Message{Role: RoleAssistant, Content: []ContentBlock{
		{Type: BlockText, Text: "part one, "},
		{Type: BlockText, Text: "part two"},
	}}
	h := newHarness(t, nil, nil, []string{"hi", "exit"},
		modelStep{gen: &Generation{Messages: []Message{NewAssistantMessage("older"), reply}}},
	)

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Equal(t, []string{"part one, part two"}, h.responses.texts)
	assert.Empty(t, h.output.warnings)
}

func TestAgentNoOutputProduced(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"hi", "exit"}, modelStep{gen: &Generation{}})

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Empty(t, h.responses.texts)
	assert.Equal(t, []string{"no output produced"}, h.output.warnings)
	assert.Equal(t, []Message{NewUserMessage("hi")}, h.agent.Transcript())
}

func TestAgentIgnoresTextBeforeLastAssistantMessage(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"hi", "exit"},
		modelStep{gen: &Generation{Messages: []Message{
			NewAssistantMessage("earlier"),
			{Role: RoleAssistant},
		}}},
	)

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Empty(t, h.responses.texts)
	assert.Equal(t, []string{"no output produced"}, h.output.warnings)
	assert.Equal(t, []Message{NewUserMessage("hi")}, h.agent.Transcript())
}

func TestAgentNilGenerationReturnsToInput(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"hi", "again", "exit"},
		modelStep{gen: nil},
		textStep("ok"),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.output.errors, 1)
	assert.Contains(t, h.output.errors[0], "model returned no generation")
	assert.Equal(t, []string{"ok"}, h.responses.texts)
	assert.Equal(t, []Message{
		NewUserMessage("hi"),
		NewUserMessage("again"),
		NewAssistantMessage("ok"),
	}, h.agent.Transcript())
	assert.Equal(t, StateStopped, h.agent.State())
}

func TestAgentResponseHandlerErrorIsReported(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"hi", "exit"}, textStep("hello"))
	h.responses.err = errors.New("terminal closed")

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.output.errors, 1)
	assert.Contains(t, h.output.errors[0], "terminal closed")
	assert.Len(t, h.agent.Transcript(), 2)
}

func TestAgentEndOfInputStopsCleanly(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	require.NoError(t, h.agent.Run(context.Background()))
	assert.Equal(t, StateStopped, h.agent.State())
}

func TestAgentInputErrorStops(t *testing.T) {
	boom := errors.New("boom")
	input := InputFunc(func(context.Context) (string, error) { return "", boom })
	out := &recordingOutput{}
	agent := NewAgent(&scriptedModel{}, nil, input, &recordingResponses{}, nil, WithOutput(out))

	err := agent.Run(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateStopped, agent.State())
	assert.Len(t, out.errors, 1)
}

func TestAgentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	input := InputFunc(func(ctx context.Context) (string, error) { return "", ctx.Err() })
	agent := NewAgent(&scriptedModel{}, nil, input, &recordingResponses{}, nil, WithOutput(&recordingOutput{}))

	err := agent.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, agent.State())
}

func TestAgentToolRoundLimit(t *testing.T) {
	var seen []string
	reg := queryTool(t, &seen)
	cfg := DefaultAgentConfig()
	cfg.MaxToolRounds = 1
	inv := ToolInvocation{ID: "1", Name: "test_tool", Input: json.RawMessage(`{"query":"x"}`)}
	h := newHarness(t, reg, &cfg, []string{"loop", "exit"}, toolStep(inv))

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Len(t, h.model.calls, 1)
	require.Len(t, h.output.errors, 1)
	assert.Contains(t, h.output.errors[0], "tool round limit of 1 reached")
}

func TestAgentLogToolUse(t *testing.T) {
	inv := ToolInvocation{ID: "1", Name: "test_tool", Input: json.RawMessage(`{"query":"q"}`)}

	t.Run("enabled", func(t *testing.T) {
		var seen []string
		h := newHarness(t, queryTool(t, &seen), nil, []string{"x", "exit"}, toolStep(inv), textStep("done"))
		require.NoError(t, h.agent.Run(context.Background()))
		assert.Equal(t, []string{`test_tool {"query":"q"}`}, h.output.toolUses)
		assert.Equal(t, []string{"test_tool: Tool result for q"}, h.output.toolResults)
	})

	t.Run("disabled", func(t *testing.T) {
		var seen []string
		cfg := DefaultAgentConfig()
		cfg.LogToolUse = false
		h := newHarness(t, queryTool(t, &seen), &cfg, []string{"x", "exit"}, toolStep(inv), textStep("done"))
		require.NoError(t, h.agent.Run(context.Background()))
		assert.Equal(t, []string{"q"}, seen)
		assert.Empty(t, h.output.toolUses)
		assert.Empty(t, h.output.toolResults)
	})
}

func TestAgentToolValidationFailureIsAResult(t *testing.T) {
	var seen []string
	h := newHarness(t, queryTool(t, &seen), nil, []string{"x", "exit"},
		toolStep(ToolInvocation{ID: "1", Name: "test_tool", Input: json.RawMessage(`{}`)}),
		textStep("done"),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	assert.Empty(t, seen)
	results := h.agent.Transcript()[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "Error: invalid input for test_tool: query is required", results[0].Content)
	assert.False(t, results[0].IsError)
}

type panickyInput struct{}

func TestAgentRecoversToolPanic(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(NewTool("explode", "Panics.", func(context.Context, panickyInput) string {
		panic("kaboom")
	})))
	h := newHarness(t, reg, nil, []string{"x", "exit"},
		toolStep(ToolInvocation{ID: "1", Name: "explode"}),
		textStep("done"),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	results := h.agent.Transcript()[2].ToolResults()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "kaboom")
}

func TestAgentLoopDetectionWarns(t *testing.T) {
	var seen []string
	cfg := DefaultAgentConfig()
	cfg.LoopDetectionWindow = 2
	inv := ToolInvocation{ID: "1", Name: "test_tool", Input: json.RawMessage(`{"query":"same"}`)}
	inv2 := inv
	inv2.ID = "2"
	h := newHarness(t, queryTool(t, &seen), &cfg, []string{"x", "exit"},
		toolStep(inv), toolStep(inv2), textStep("done"))

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.output.warnings, 1)
	assert.True(t, strings.HasPrefix(h.output.warnings[0], "Loop detected"))
	assert.Equal(t, []string{"done"}, h.responses.texts)
}

func TestAgentContextUsageWarning(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.ContextWindow = 10
	h := &harness{input: &scriptedInput{lines: []string{"a long enough message", "exit"}}, responses: &recordingResponses{}, output: &recordingOutput{}}
	h.model = &scriptedModel{steps: []modelStep{textStep("reply")}}
	h.agent = NewAgent(h.model, nil, h.input, h.responses, &cfg,
		WithOutput(h.output),
		WithTokenCounter(TokenCounterFunc(func(s string) int { return len(s) })),
	)

	require.NoError(t, h.agent.Run(context.Background()))

	require.Len(t, h.output.warnings, 1)
	assert.Contains(t, h.output.warnings[0], "Context usage at ~")
}

func TestAgentStepTransitions(t *testing.T) {
	h := newHarness(t, nil, nil, []string{"hi", "exit"}, textStep("hello"))
	ctx := context.Background()

	assert.Equal(t, StateAwaitingInput, h.agent.State())
	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, StateAwaitingModel, h.agent.State())
	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, StateAwaitingInput, h.agent.State())
	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, StateStopped, h.agent.State())
	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, StateStopped, h.agent.State())
}

func TestAgentEvents(t *testing.T) {
	var seen []string
	inv := ToolInvocation{ID: "1", Name: "test_tool", Input: json.RawMessage(`{"query":"q"}`)}
	h := newHarness(t, queryTool(t, &seen), nil, []string{"x", "exit"}, toolStep(inv), textStep("done"))

	require.NoError(t, h.agent.Run(context.Background()))

	var kinds []EventKind
	for ev := range h.agent.Events() {
		assert.Equal(t, h.agent.ID(), ev.SessionID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventSessionStart,
		EventUserInput,
		EventToolCallStart,
		EventToolCallEnd,
		EventAssistantTextEnd,
		EventSessionEnd,
	}, kinds)
}

func TestAgentAssignsMissingInvocationIDs(t *testing.T) {
	var seen []string
	h := newHarness(t, queryTool(t, &seen), nil, []string{"x", "exit"},
		toolStep(ToolInvocation{Name: "test_tool", Input: json.RawMessage(`{"query":"q"}`)}),
		textStep("done"))

	require.NoError(t, h.agent.Run(context.Background()))

	transcript := h.agent.Transcript()
	id := transcript[1].ToolInvocations()[0].ID
	assert.True(t, strings.HasPrefix(id, "call_"))
	assert.Equal(t, id, transcript[2].ToolResults()[0].ToolUseID)
}

func TestSuggestTool(t *testing.T) {
	names := []string{"read_file", "list_files", "edit_file"}
	assert.Equal(t, "read_file", suggestTool("read", names))
	assert.Equal(t, "edit_file", suggestTool("edit_fiel", names))
	assert.Equal(t, "", suggestTool("deploy_to_production", names))
}
