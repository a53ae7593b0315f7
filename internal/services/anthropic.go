package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// Text is filled for "text" blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are filled for "tool_use" blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are filled for "tool_result" blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. It initializes an HTTP client for API communication and returns a configured Anthropic
// instance ready for chat interactions.
func NewAnthropic(apiKey, model string, maxTokens int, params LLMParameters, logger *slog.Logger) Anthropic {
	return Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		params:    params,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// anthropicMessages converts the history. Tool results travel in the user turn that follows the assistant turn
// holding the matching tool_use blocks.
func anthropicMessages(messages []models.Message) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Text()}},
			})
		case models.RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			results := anthropicMessage{Role: "user"}
			for _, ct := range msg.Contents {
				switch ct.Type {
				case models.ContentTypeText:
					if ct.Text != "" {
						am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: ct.Text})
					}
				case models.ContentTypeCallTool:
					am.Content = append(am.Content, anthropicContentBlock{
						Type:  "tool_use",
						ID:    ct.CallToolID,
						Name:  ct.ToolName,
						Input: json.RawMessage(toolInputText(ct)),
					})
				case models.ContentTypeToolResult:
					results.Content = append(results.Content, anthropicContentBlock{
						Type:      "tool_result",
						ToolUseID: ct.CallToolID,
						Content:   toolResultText(ct),
						IsError:   ct.CallToolFailed,
					})
				}
			}
			if len(am.Content) == 0 {
				am.Content = []anthropicContentBlock{{Type: "text", Text: "..."}}
			}
			msgs = append(msgs, am)
			if len(results.Content) > 0 {
				msgs = append(msgs, results)
			}
		default:
		}
	}
	return msgs
}

func (a Anthropic) doRequest(ctx context.Context, reqBody anthropicChatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var e anthropicError
		if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
			return nil, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		}
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, string(body))
	}
	return resp, nil
}

func (a Anthropic) request(system string, messages []anthropicMessage, tools []mcp.Tool, stream bool,
) anthropicChatRequest {
	req := anthropicChatRequest{
		Model:       a.model,
		Messages:    messages,
		System:      system,
		MaxTokens:   a.maxTokens,
		Temperature: a.params.Temperature,
		TopP:        a.params.TopP,
		Stop:        a.params.Stop,
		Stream:      stream,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return req
}

// Chat streams responses from the Anthropic API for a given sequence of messages. Text deltas are yielded as they
// arrive; each tool_use block is yielded once its input JSON is complete.
func (a Anthropic) Chat(
	ctx context.Context,
	system string,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		resp, err := a.doRequest(ctx, a.request(system, anthropicMessages(messages), tools, true))
		if err != nil {
			yield(models.Content{}, providerError("anthropic", err))
			return
		}
		defer resp.Body.Close()

		toolUses := make(map[int]*models.Content)
		toolInputs := make(map[int]*strings.Builder)

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Content{}, providerError("anthropic", fmt.Errorf("error reading response: %w", err)))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Content{}, providerError("anthropic", fmt.Errorf("error unmarshaling error: %w", err)))
					return
				}
				yield(models.Content{}, providerError("anthropic",
					fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)))
				return
			case "message_stop":
				return
			case "content_block_start", "content_block_delta", "content_block_stop":
				var res anthropicStreamEvent
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Content{}, providerError("anthropic", fmt.Errorf("error unmarshaling response: %w", err)))
					return
				}
				content, ok := a.handleBlockEvent(res, toolUses, toolInputs)
				if ok && !yield(content, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// handleBlockEvent tracks tool_use blocks across their events and returns a content when one is ready.
func (a Anthropic) handleBlockEvent(
	ev anthropicStreamEvent,
	toolUses map[int]*models.Content,
	toolInputs map[int]*strings.Builder,
) (models.Content, bool) {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			toolUses[ev.Index] = &models.Content{
				Type:       models.ContentTypeCallTool,
				ToolName:   ev.ContentBlock.Name,
				CallToolID: ev.ContentBlock.ID,
			}
			toolInputs[ev.Index] = &strings.Builder{}
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return models.Content{Type: models.ContentTypeText, Text: ev.Delta.Text}, true
		case "input_json_delta":
			if b, ok := toolInputs[ev.Index]; ok {
				b.WriteString(ev.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		tu, ok := toolUses[ev.Index]
		if !ok {
			return models.Content{}, false
		}
		input := toolInputs[ev.Index].String()
		if input == "" {
			input = "{}"
		}
		tu.ToolInput = json.RawMessage(input)
		delete(toolUses, ev.Index)
		delete(toolInputs, ev.Index)
		a.logger.Debug("Call Tool", slog.String("name", tu.ToolName), slog.String("args", input))
		return *tu, true
	}
	return models.Content{}, false
}

// GenerateTitle asks the model for a short title of a conversation starting with message.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []anthropicMessage{{Role: "user", Content: []anthropicContentBlock{{Type: "text", Text: message}}}}
	resp, err := a.doRequest(ctx, a.request(titlePrompt, msgs, nil, false))
	if err != nil {
		return "", providerError("anthropic", err)
	}
	defer resp.Body.Close()

	var res struct {
		Content []anthropicContentBlock `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", providerError("anthropic", fmt.Errorf("error decoding response: %w", err))
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
