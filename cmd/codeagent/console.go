package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/noviadi/code-agent/agentloop"
)

const (
	userPrompt  = "You: "
	agentPrefix = "Agent: "
)

type line struct {
	text string
	err  error
}

// Console reads user input line by line and prints final answers. Lines are
// read on a separate goroutine so ReadInput can honor cancellation.
type Console struct {
	scanner *bufio.Scanner
	out     io.Writer
	lines   chan line
	once    sync.Once
}

// NewConsole creates a console over in and out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Console{
		scanner: scanner,
		out:     out,
		lines:   make(chan line),
	}
}

func (c *Console) readLines() {
	defer close(c.lines)
	for c.scanner.Scan() {
		c.lines <- line{text: c.scanner.Text()}
	}
	err := c.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.lines <- line{err: err}
}

// ReadInput prompts for and returns the next line. It returns io.EOF once
// input is exhausted.
func (c *Console) ReadInput(ctx context.Context) (string, error) {
	c.once.Do(func() { go c.readLines() })
	fmt.Fprint(c.out, userPrompt)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	}
}

// HandleResponse prints a final answer.
func (c *Console) HandleResponse(_ context.Context, text string) error {
	_, err := fmt.Fprintf(c.out, "%s%s\n", agentPrefix, text)
	return err
}

// ConsoleOutput echoes tool activity to the terminal and sends warnings and
// errors to the structured log.
type ConsoleOutput struct {
	*agentloop.LogOutput
	out io.Writer
}

// NewConsoleOutput creates a ConsoleOutput.
func NewConsoleOutput(out io.Writer, logger *slog.Logger) *ConsoleOutput {
	return &ConsoleOutput{LogOutput: agentloop.NewLogOutput(logger), out: out}
}

func (o *ConsoleOutput) ToolUse(name string, input json.RawMessage) {
	fmt.Fprintf(o.out, "tool: %s(%s)\n", name, input)
}

func (o *ConsoleOutput) ToolResult(name, result string) {
	fmt.Fprintf(o.out, "result: %s\n", agentloop.TruncateForDisplay(result, name))
}
