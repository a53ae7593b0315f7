package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Outcome   string
	Timestamp time.Time

	StreamingState string
}

// newMarkdown renders assistant answers. Raw HTML from the model is escaped.
func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

// renderMessage prepares msg for the message templates. Assistant text is markdown; user and system text is shown
// as typed.
func (m Main) renderMessage(msg models.Message) (message, error) {
	out := message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Timestamp:      msg.Timestamp,
		StreamingState: "ended",
	}

	switch msg.Role {
	case models.RoleAssistant:
		var buf bytes.Buffer
		if err := m.markdown.Convert([]byte(models.RenderContents(msg.Contents, false)), &buf); err != nil {
			return message{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		out.Content = template.HTML(buf.String())
	default:
		out.Content = template.HTML(template.HTMLEscapeString(msg.Text()))
	}

	if msg.Role == models.RoleSystem {
		out.Outcome = outcome(msg)
	}
	return out, nil
}

// outcome classifies a system message by the tool result it carries, for styling.
func outcome(msg models.Message) string {
	for _, c := range msg.Contents {
		if c.Type != models.ContentTypeToolResult {
			continue
		}
		if c.CallToolFailed {
			return "failed"
		}
		return "succeeded"
	}
	return "notice"
}

func messageTemplate(role string) string {
	switch models.Role(role) {
	case models.RoleUser:
		return "user_message"
	case models.RoleSystem:
		return "system_message"
	default:
		return "ai_message"
	}
}

func (m Main) renderMessageHTML(msg models.Message) (string, error) {
	rm, err := m.renderMessage(msg)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, messageTemplate(rm.Role), rm); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", messageTemplate(rm.Role), err)
	}
	return sb.String(), nil
}
