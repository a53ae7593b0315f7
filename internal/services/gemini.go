package services

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"google.golang.org/genai"
)

// Gemini implements the LLM interface on Google's Gemini API with function calling.
type Gemini struct {
	model  string
	params LLMParameters

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini client for model.
func NewGemini(ctx context.Context, apiKey, model string, params LLMParameters, logger *slog.Logger) (Gemini, error) {
	if apiKey == "" {
		return Gemini{}, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return Gemini{
		model:  model,
		params: params,
		client: client,
		logger: logger.With(slog.String("module", "gemini")),
	}, nil
}

// Client exposes the underlying genai client so the live provider can share it.
func (g Gemini) Client() *genai.Client {
	return g.client
}

// geminiContents converts the history. Gemini calls the assistant "model"; function responses travel in a user
// turn right after the model turn that issued the calls, matched by name and id.
func geminiContents(messages []models.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Text(), genai.RoleUser))
		case models.RoleAssistant:
			modelTurn := &genai.Content{Role: string(genai.RoleModel)}
			responses := &genai.Content{Role: string(genai.RoleUser)}
			for _, ct := range msg.Contents {
				switch ct.Type {
				case models.ContentTypeText:
					if ct.Text != "" {
						modelTurn.Parts = append(modelTurn.Parts, &genai.Part{Text: ct.Text})
					}
				case models.ContentTypeCallTool:
					args := map[string]any{}
					if err := json.Unmarshal([]byte(toolInputText(ct)), &args); err != nil {
						return nil, fmt.Errorf("invalid arguments of %s: %w", ct.ToolName, err)
					}
					modelTurn.Parts = append(modelTurn.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID:   ct.CallToolID,
						Name: ct.ToolName,
						Args: args,
					}})
				case models.ContentTypeToolResult:
					resp := map[string]any{}
					if err := json.Unmarshal([]byte(toolResultText(ct)), &resp); err != nil {
						return nil, fmt.Errorf("invalid result of %s: %w", ct.ToolName, err)
					}
					responses.Parts = append(responses.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
						ID:       ct.CallToolID,
						Name:     ct.ToolName,
						Response: resp,
					}})
				}
			}
			if len(modelTurn.Parts) > 0 {
				contents = append(contents, modelTurn)
			}
			if len(responses.Parts) > 0 {
				contents = append(contents, responses)
			}
		default:
		}
	}
	return contents, nil
}

// GeminiTools converts tool schemas into function declarations.
func GeminiTools(tools []mcp.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (g Gemini) config(system string, tools []mcp.Tool) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:   g.params.Temperature,
		TopP:          g.params.TopP,
		StopSequences: g.params.Stop,
		Tools:         GeminiTools(tools),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.params.MaxTokens)
	}
	if g.params.Seed != nil {
		seed := int32(*g.params.Seed)
		cfg.Seed = &seed
	}
	return cfg
}

// Chat streams a model turn. Text parts are yielded as they arrive and function calls as soon as they appear.
func (g Gemini) Chat(
	ctx context.Context,
	system string,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		contents, err := geminiContents(messages)
		if err != nil {
			yield(models.Content{}, providerError("gemini", err))
			return
		}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config(system, tools)) {
			if err != nil {
				yield(models.Content{}, providerError("gemini", fmt.Errorf("error receiving response: %w", err)))
				return
			}
			for _, c := range resp.Candidates {
				if c.Content == nil {
					continue
				}
				for _, part := range c.Content.Parts {
					content, ok := geminiPartContent(part)
					if !ok {
						continue
					}
					if content.Type == models.ContentTypeCallTool {
						g.logger.Debug("Call Tool",
							slog.String("name", content.ToolName),
							slog.String("args", string(content.ToolInput)))
					}
					if !yield(content, nil) {
						return
					}
				}
			}
		}
	}
}

func geminiPartContent(part *genai.Part) (models.Content, bool) {
	switch {
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		return models.Content{
			Type:       models.ContentTypeCallTool,
			ToolName:   part.FunctionCall.Name,
			ToolInput:  args,
			CallToolID: part.FunctionCall.ID,
		}, true
	case part.Text != "" && !part.Thought:
		return models.Content{Type: models.ContentTypeText, Text: part.Text}, true
	}
	return models.Content{}, false
}

// GenerateTitle asks the model for a short title of a conversation starting with message.
func (g Gemini) GenerateTitle(ctx context.Context, message string) (string, error) {
	cfg := &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(titlePrompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(message), cfg)
	if err != nil {
		return "", providerError("gemini", fmt.Errorf("error sending request: %w", err))
	}
	return strings.TrimSpace(resp.Text()), nil
}
