package agentloop

import (
	"fmt"

	"github.com/noviadi/code-agent/unifiedllm"
)

// contextWarningRatio is the share of the context window above which a
// warning is reported.
const contextWarningRatio = 0.8

// TokenCounter estimates the number of tokens in a piece of text.
type TokenCounter interface {
	CountTokens(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) CountTokens(text string) int { return f(text) }

// CharEstimateCounter approximates four characters per token.
var CharEstimateCounter TokenCounter = TokenCounterFunc(func(text string) int {
	return len(text) / 4
})

// NewTiktokenCounter returns a TokenCounter backed by tiktoken's
// cl100k_base encoding, falling back to the character estimate when the
// encoding cannot be loaded.
func NewTiktokenCounter() TokenCounter {
	return TokenCounterFunc(unifiedllm.CountTokens)
}

// EstimateTokens sums the token estimate of every text, tool input and tool
// result in the transcript plus the system prompt.
func EstimateTokens(counter TokenCounter, systemPrompt string, transcript []Message) int {
	total := counter.CountTokens(systemPrompt)
	for _, msg := range transcript {
		for _, block := range msg.Content {
			switch block.Type {
			case BlockText:
				total += counter.CountTokens(block.Text)
			case BlockToolUse:
				if block.ToolUse != nil {
					total += counter.CountTokens(block.ToolUse.Name) + counter.CountTokens(string(block.ToolUse.Input))
				}
			case BlockToolResult:
				if block.ToolResult != nil {
					total += counter.CountTokens(block.ToolResult.Content)
				}
			}
		}
	}
	return total
}

// contextUsageWarning returns a warning when tokens exceed 80% of
// contextWindow. A zero window disables the check.
func contextUsageWarning(tokens, contextWindow int) (string, bool) {
	if contextWindow <= 0 {
		return "", false
	}
	threshold := int(float64(contextWindow) * contextWarningRatio)
	if tokens <= threshold {
		return "", false
	}
	pct := int(float64(tokens) / float64(contextWindow) * 100)
	return fmt.Sprintf("Context usage at ~%d%% of context window", pct), true
}
