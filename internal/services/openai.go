package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for OpenAI's chat completion API and for any service
// speaking the same protocol (OpenRouter, local gateways) through a base URL.
type OpenAI struct {
	name  string
	model string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL talks to OpenAI itself; name labels errors and logs.
func NewOpenAI(name, apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if name == "" {
		name = "openai"
	}
	return OpenAI{
		name:   name,
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", name)),
	}
}

// openAIMessages converts the history. An assistant message becomes one assistant entry carrying its text and
// every tool call, followed by one "tool" entry per result, which is the shape the API requires for batched calls.
func openAIMessages(system string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: msg.Text(),
			})
		case models.RoleAssistant:
			am := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant}
			var results []goopenai.ChatCompletionMessage
			for _, ct := range msg.Contents {
				switch ct.Type {
				case models.ContentTypeText:
					am.Content += ct.Text
				case models.ContentTypeCallTool:
					am.ToolCalls = append(am.ToolCalls, goopenai.ToolCall{
						Type: goopenai.ToolTypeFunction,
						ID:   ct.CallToolID,
						Function: goopenai.FunctionCall{
							Name:      ct.ToolName,
							Arguments: toolInputText(ct),
						},
					})
				case models.ContentTypeToolResult:
					results = append(results, goopenai.ChatCompletionMessage{
						Role:       goopenai.ChatMessageRoleTool,
						Content:    toolResultText(ct),
						ToolCallID: ct.CallToolID,
					})
				}
			}
			msgs = append(msgs, am)
			msgs = append(msgs, results...)
		default:
			// System messages are for the user only.
		}
	}
	return msgs
}

func openAITools(tools []mcp.Tool) []goopenai.Tool {
	oTools := make([]goopenai.Tool, len(tools))
	for i, tool := range tools {
		oTools[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return oTools
}

type openAIToolCall struct {
	id   string
	name string
	args string
}

// Chat is a wrapper around the OpenAI chat completion API. Tool calls are streamed in fragments keyed by index;
// they are yielded whole, in index order, once the stream ends.
func (o OpenAI) Chat(
	ctx context.Context,
	system string,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		req := o.chatRequest(openAIMessages(system, messages), openAITools(tools), true)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Content{}, providerError(o.name, fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer stream.Close()

		calls := make(map[int]*openAIToolCall)
		var order []int
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				yield(models.Content{}, providerError(o.name, fmt.Errorf("error receiving response: %w", err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			res := response.Choices[0].Delta
			if res.Content != "" {
				if !yield(models.Content{
					Type: models.ContentTypeText,
					Text: res.Content,
				}, nil) {
					return
				}
			}
			for i, tc := range res.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &openAIToolCall{}
					calls[idx] = call
					order = append(order, idx)
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args += tc.Function.Arguments
			}
		}

		slices.Sort(order)
		for _, idx := range order {
			call := calls[idx]
			if call.args == "" {
				call.args = "{}"
			}
			o.logger.Debug("Call Tool",
				slog.String("name", call.name),
				slog.String("args", call.args),
			)
			if !yield(models.Content{
				Type:       models.ContentTypeCallTool,
				ToolName:   call.name,
				ToolInput:  json.RawMessage(call.args),
				CallToolID: call.id,
			}, nil) {
				return
			}
		}
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: titlePrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: message,
		},
	}

	req := o.chatRequest(msgs, nil, false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", providerError(o.name, fmt.Errorf("error sending request: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", providerError(o.name, errors.New("no choices found"))
	}

	return resp.Choices[0].Message.Content, nil
}

func (o OpenAI) chatRequest(
	messages []goopenai.ChatCompletionMessage,
	tools []goopenai.Tool,
	stream bool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		req.MaxCompletionTokens = o.params.MaxTokens
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}

	return req
}
