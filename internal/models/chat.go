package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Chat represents one conversation surface opened by a user. Its messages live in a separate bucket and are
// cleared when the conversation is reset.
type Chat struct {
	ID       string
	UserID   string
	Title    string
	Language string
}

// Message represents an individual entry within a chat. Messages are ordered and append-only for the lifetime
// of a conversation. A user message only carries text; an assistant message may carry text and tool calls with
// their results; a system message is shown to the user but never sent to the model.
type Message struct {
	ID        string
	Role      Role
	Contents  []Content
	Timestamp time.Time
}

// Content is a message content with its type.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// ToolName would be filled if Type is ContentTypeCallTool or ContentTypeToolResult.
	ToolName string
	// ToolInput would be filled if Type is ContentTypeCallTool.
	ToolInput json.RawMessage

	// ToolResult would be filled if Type is ContentTypeToolResult. It holds the response map sent back to the model.
	ToolResult json.RawMessage

	// CallToolID would be filled if Type is ContentTypeCallTool or ContentTypeToolResult.
	CallToolID string
	// CallToolFailed is set when the dispatched operation did not succeed (including a cancelled challenge).
	CallToolFailed bool
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a message produced by the application itself, such as a tool outcome or a fallback
	// error notice.
	RoleSystem Role = "system"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeCallTool represents a call to a tool.
	ContentTypeCallTool ContentType = "call_tool"
	// ContentTypeToolResult represents the result of a tool call.
	ContentTypeToolResult ContentType = "tool_result"
)

// NewTextMessage builds a single-text message with the given role.
func NewTextMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Contents:  []Content{{Type: ContentTypeText, Text: text}},
		Timestamp: time.Now(),
	}
}

// Text returns the concatenated text contents of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Contents {
		if c.Type == ContentTypeText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// RenderContents renders a slice of Content into a string. If withDetail is true, it will render the contents
// of call tools input and result wrapped with <details> tags.
func RenderContents(contents []Content, withDetail bool) string {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			sb.WriteString(content.Text)
		case ContentTypeCallTool:
			sb.WriteString("  \n\n")
			sb.WriteString(fmt.Sprintf("Calling Tool: %s  \n", content.ToolName))
			if withDetail {
				sb.WriteString("<details>  \n\n")
			}
			sb.WriteString("Input:  \n")
			sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyJSON(content.ToolInput)))
		case ContentTypeToolResult:
			sb.WriteString("  \n\n")
			sb.WriteString("Result:  \n")
			sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyJSON(content.ToolResult)))
			if withDetail {
				sb.WriteString("</details>  \n")
			}
		}
	}
	return sb.String()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
