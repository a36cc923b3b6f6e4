package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Display limits per tool. Truncation only affects what is shown to the
// operator; the transcript always carries the full tool result.
var DefaultToolCharLimits = map[string]int{
	"read_file":  4000,
	"list_files": 4000,
	"edit_file":  1000,
}

var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":  TruncateHeadTail,
	"list_files": TruncateHeadTail,
	"edit_file":  TruncateTail,
}

var DefaultToolLineLimits = map[string]int{
	"read_file":  80,
	"list_files": 100,
}

const fallbackCharLimit = 2000

// TruncateOutput applies character-based truncation to output. Cuts land on
// rune boundaries, so the kept portions may be a few bytes under maxChars.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	if mode == TruncateTail {
		tail := output[runeCeil(output, len(output)-maxChars):]
		return fmt.Sprintf("[... first %d characters not shown ...]\n", len(output)-len(tail)) + tail
	}

	half := maxChars / 2
	head := output[:runeFloor(output, half)]
	tail := output[runeCeil(output, len(output)-half):]
	return head +
		fmt.Sprintf("\n[... %d characters not shown ...]\n", len(output)-len(head)-len(tail)) +
		tail
}

// runeFloor moves i back to the start of the rune it falls in.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the start of the next rune.
func runeCeil(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines not shown ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateForDisplay shortens a tool result for the operator: characters
// first, then lines.
func TruncateForDisplay(output, toolName string) string {
	maxChars, ok := DefaultToolCharLimits[toolName]
	if !ok {
		maxChars = fallbackCharLimit
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)
	if maxLines, ok := DefaultToolLineLimits[toolName]; ok {
		result = TruncateLines(result, maxLines)
	}
	return result
}
