package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host  string
	model string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(system string, messages []models.Message) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, api.Message{Role: "user", Content: msg.Text()})
		case models.RoleAssistant:
			am := api.Message{Role: "assistant"}
			var results []api.Message
			for _, ct := range msg.Contents {
				switch ct.Type {
				case models.ContentTypeText:
					am.Content += ct.Text
				case models.ContentTypeCallTool:
					var args api.ToolCallFunctionArguments
					if err := json.Unmarshal([]byte(toolInputText(ct)), &args); err != nil {
						return nil, fmt.Errorf("invalid arguments of %s: %w", ct.ToolName, err)
					}
					am.ToolCalls = append(am.ToolCalls, api.ToolCall{
						Function: api.ToolCallFunction{Name: ct.ToolName, Arguments: args},
					})
				case models.ContentTypeToolResult:
					results = append(results, api.Message{Role: "tool", Content: toolResultText(ct)})
				}
			}
			msgs = append(msgs, am)
			msgs = append(msgs, results...)
		default:
		}
	}
	return msgs, nil
}

func ollamaTools(tools []mcp.Tool) (api.Tools, error) {
	out := make(api.Tools, 0, len(tools))
	for _, tool := range tools {
		t := api.Tool{Type: "function"}
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		if err := json.Unmarshal(tool.InputSchema, &t.Function.Parameters); err != nil {
			return nil, fmt.Errorf("invalid schema of %s: %w", tool.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		opts["num_predict"] = o.params.MaxTokens
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	return opts
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Ollama reports tool calls
// without ids; the conversation assigns them.
func (o Ollama) Chat(
	ctx context.Context,
	system string,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		msgs, err := ollamaMessages(system, messages)
		if err != nil {
			yield(models.Content{}, providerError("ollama", err))
			return
		}
		oTools, err := ollamaTools(tools)
		if err != nil {
			yield(models.Content{}, providerError("ollama", err))
			return
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Tools:    oTools,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(models.Content{Type: models.ContentTypeText, Text: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			for _, tc := range res.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				o.logger.Debug("Call Tool", slog.String("name", tc.Function.Name), slog.String("args", string(args)))
				if !yield(models.Content{
					Type:      models.ContentTypeCallTool,
					ToolName:  tc.Function.Name,
					ToolInput: args,
				}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Content{}, providerError("ollama", fmt.Errorf("error sending request: %w", err)))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: titlePrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title strings.Builder

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return "", providerError("ollama", fmt.Errorf("error sending request: %w", err))
	}

	return strings.TrimSpace(title.String()), nil
}
