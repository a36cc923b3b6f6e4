package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, input json.RawMessage) string {
	h := sha256.Sum256(input)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures returns signatures of the last count tool
// invocations in the transcript, oldest first.
func recentToolCallSignatures(transcript []Message, count int) []string {
	var sigs []string
	for _, msg := range transcript {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, inv := range msg.ToolInvocations() {
			sigs = append(sigs, toolCallSignature(inv.Name, inv.Input))
		}
	}
	if len(sigs) > count {
		sigs = sigs[len(sigs)-count:]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a pattern
// of length 1, 2 or 3.
func DetectLoop(transcript []Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolCallSignatures(transcript, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || windowSize == patternLen {
			continue
		}
		if repeats(sigs, patternLen) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, patternLen int) bool {
	for i := patternLen; i < len(sigs); i++ {
		if sigs[i] != sigs[i%patternLen] {
			return false
		}
	}
	return true
}
