package models

import (
	"encoding/json"
	"fmt"
)

// ToolCall is a function call issued by the model. ID correlates the call with its result; providers that do not
// assign ids get one generated so results can always be matched.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of one dispatched ToolCall. Message is meant for people and for the model's next
// turn, Payload carries the exact figures. Both are always filled.
type ToolResult struct {
	CallID  string
	Name    string
	Success bool
	Message string
	Payload map[string]any
}

// Response returns the function response object sent back to the model.
func (r ToolResult) Response() map[string]any {
	resp := map[string]any{
		"success": r.Success,
		"message": r.Message,
	}
	if r.Payload != nil {
		resp["data"] = r.Payload
	}
	return resp
}

// Content returns the tool result as a message content.
func (r ToolResult) Content() Content {
	raw, err := json.Marshal(r.Response())
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"success":false,"message":%q}`, err.Error()))
	}
	return Content{
		Type:           ContentTypeToolResult,
		ToolName:       r.Name,
		ToolResult:     raw,
		CallToolID:     r.CallID,
		CallToolFailed: !r.Success,
	}
}

// ToolCallFromContent decodes a call_tool content back into a ToolCall.
func ToolCallFromContent(c Content) (ToolCall, error) {
	call := ToolCall{ID: c.CallToolID, Name: c.ToolName, Arguments: map[string]any{}}
	if len(c.ToolInput) == 0 {
		return call, nil
	}
	if err := json.Unmarshal(c.ToolInput, &call.Arguments); err != nil {
		return call, fmt.Errorf("invalid arguments for %s: %w", c.ToolName, err)
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call, nil
}

// Content returns the tool call as a message content.
func (c ToolCall) Content() Content {
	raw, err := json.Marshal(c.Arguments)
	if err != nil || c.Arguments == nil {
		raw = []byte("{}")
	}
	return Content{
		Type:       ContentTypeCallTool,
		ToolName:   c.Name,
		ToolInput:  raw,
		CallToolID: c.ID,
	}
}

// ProviderError marks a failure talking to the AI provider (network, timeout, quota, malformed response).
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
