package agentloop

import (
	"context"
	"encoding/json"
	"log/slog"
)

// InputReader supplies the next line of user input. Returning io.EOF stops
// the loop cleanly.
type InputReader interface {
	ReadInput(ctx context.Context) (string, error)
}

// InputFunc adapts a function to InputReader.
type InputFunc func(ctx context.Context) (string, error)

func (f InputFunc) ReadInput(ctx context.Context) (string, error) { return f(ctx) }

// ResponseHandler delivers a final answer for display.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, text string) error
}

// ResponseFunc adapts a function to ResponseHandler.
type ResponseFunc func(ctx context.Context, text string) error

func (f ResponseFunc) HandleResponse(ctx context.Context, text string) error { return f(ctx, text) }

// Output is the loop's side channel for tool echoes, warnings and errors.
type Output interface {
	ToolUse(name string, input json.RawMessage)
	ToolResult(name, result string)
	Warning(message string)
	Error(message string, err error)
}

// LogOutput writes the side channel to a structured logger. Tool results are
// truncated for display.
type LogOutput struct {
	logger *slog.Logger
}

// NewLogOutput returns an Output backed by logger. A nil logger means
// slog.Default().
func NewLogOutput(logger *slog.Logger) *LogOutput {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOutput{logger: logger}
}

func (o *LogOutput) ToolUse(name string, input json.RawMessage) {
	o.logger.Info("tool use", slog.String("tool", name), slog.String("input", string(input)))
}

func (o *LogOutput) ToolResult(name, result string) {
	o.logger.Info("tool result", slog.String("tool", name), slog.String("result", TruncateForDisplay(result, name)))
}

func (o *LogOutput) Warning(message string) {
	o.logger.Warn(message)
}

func (o *LogOutput) Error(message string, err error) {
	if err == nil {
		o.logger.Error(message)
		return
	}
	o.logger.Error(message, slog.Any("error", err))
}
