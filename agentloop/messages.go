package agentloop

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a ToolInvocation. It always travels in a user-role
// message.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ContentBlock is one typed piece of a message.
type ContentBlock struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolInvocation `json:"tool_use,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
}

// Message is a single transcript entry. Once appended it is not modified.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserMessage creates a plain-text user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// NewAssistantMessage creates an assistant message with optional text
// followed by tool_use blocks in the given order.
func NewAssistantMessage(text string, invocations ...ToolInvocation) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockText, Text: text})
	}
	for i := range invocations {
		inv := invocations[i]
		msg.Content = append(msg.Content, ContentBlock{Type: BlockToolUse, ToolUse: &inv})
	}
	return msg
}

// NewToolResultMessage wraps a single tool result in a user-role message.
func NewToolResultMessage(result ToolResult) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockToolResult, ToolResult: &result}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolInvocations returns the tool_use blocks of the message in order.
func (m Message) ToolInvocations() []ToolInvocation {
	var out []ToolInvocation
	for _, block := range m.Content {
		if block.Type == BlockToolUse && block.ToolUse != nil {
			out = append(out, *block.ToolUse)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks of the message in order.
func (m Message) ToolResults() []ToolResult {
	var out []ToolResult
	for _, block := range m.Content {
		if block.Type == BlockToolResult && block.ToolResult != nil {
			out = append(out, *block.ToolResult)
		}
	}
	return out
}
