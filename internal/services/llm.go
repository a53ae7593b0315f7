package services

import (
	"context"
	"errors"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

// LLMParameters are the optional sampling parameters shared by the providers. Nil fields keep the provider's
// default.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	MaxTokens        int      `yaml:"maxTokens"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
}

const errLoggerKey = "err"

const titlePrompt = "Write a title of at most five words for a banking assistant conversation that starts with " +
	"the user's message. Answer with the title only, without quotes."

// providerError wraps err for the conversation layer. Cancellation is returned as is, so callers that walked
// away don't report a provider fault.
func providerError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &models.ProviderError{Provider: provider, Err: err}
}

// toolResultText returns the JSON response of a tool_result content, or an empty object.
func toolResultText(c models.Content) string {
	if len(c.ToolResult) == 0 {
		return "{}"
	}
	return string(c.ToolResult)
}

// toolInputText returns the JSON arguments of a call_tool content, or an empty object.
func toolInputText(c models.Content) string {
	if len(c.ToolInput) == 0 {
		return "{}"
	}
	return string(c.ToolInput)
}
