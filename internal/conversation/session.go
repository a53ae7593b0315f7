// Package conversation keeps the dialogue with the AI provider: the system instruction, the ordered history, and
// the loop that hands tool calls to an executor and feeds their results back in one batch.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
)

// LLM is a text provider with tool calling. The iterator yields text chunks and call_tool contents; a failure is
// yielded as a *models.ProviderError.
type LLM interface {
	Chat(ctx context.Context, system string, messages []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error]
}

// Executor runs one tool call for a user.
type Executor interface {
	Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult
}

// MaxToolRounds bounds how many times Run feeds tool results back before giving up on a final answer.
const MaxToolRounds = 5

var (
	// ErrPendingToolCalls is returned by Send while the previous turn's tool calls have no results yet.
	ErrPendingToolCalls = errors.New("tool calls are waiting for results")
	// ErrNoPendingToolCalls is returned by SubmitToolResults when there is nothing to answer.
	ErrNoPendingToolCalls = errors.New("no tool calls are waiting for results")
	// ErrToolRoundsExceeded is returned by Run when the model keeps calling tools.
	ErrToolRoundsExceeded = errors.New("too many tool rounds")
)

const errLoggerKey = "err"

var sessionIDs atomic.Uint64

// Turn is what the provider answered: text, or a non-empty list of tool calls (possibly with some text).
type Turn struct {
	Text      string
	ToolCalls []models.ToolCall
}

// HasToolCalls reports whether the caller must dispatch calls and submit their results.
func (t Turn) HasToolCalls() bool {
	return len(t.ToolCalls) > 0
}

// Session is one conversation bound to a Profile. Calls are serialized.
type Session struct {
	id      uint64
	chatID  string
	profile Profile
	system  string
	llm     LLM
	tools   []mcp.Tool

	mu      sync.Mutex
	history []models.Message
	pending []models.ToolCall

	logger *slog.Logger
}

// NewSession creates a session. history seeds the dialogue; system messages in it are dropped because they are
// never sent to the model.
func NewSession(chatID string, p Profile, llm LLM, tools []mcp.Tool, history []models.Message, logger *slog.Logger,
) *Session {
	s := &Session{
		id:      sessionIDs.Add(1),
		chatID:  chatID,
		profile: p,
		system:  SystemInstruction(p),
		llm:     llm,
		tools:   tools,
	}
	s.logger = logger.With(slog.String("module", "conversation"), slog.String("chatID", chatID),
		slog.Uint64("sessionID", s.id))
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		s.history = append(s.history, msg)
	}
	return s
}

// ID is unique per session for the lifetime of the process. It grows with every new session, so a caller holding
// an older ID can tell its session was replaced.
func (s *Session) ID() uint64 {
	return s.id
}

// ChatID returns the chat this session belongs to.
func (s *Session) ChatID() string {
	return s.chatID
}

// Profile returns the profile the session was built for.
func (s *Session) Profile() Profile {
	return s.profile
}

// SystemInstruction returns the instruction sent with every request.
func (s *Session) SystemInstruction() string {
	return s.system
}

// History returns a copy of the dialogue.
func (s *Session) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Send appends a user message and asks the provider for the next turn. When the provider fails the history is
// left exactly as it was before the call.
func (s *Session) Send(ctx context.Context, text string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		return Turn{}, ErrPendingToolCalls
	}

	mark := len(s.history)
	s.history = append(s.history, models.NewTextMessage(uuid.NewString(), models.RoleUser, text))
	turn, err := s.complete(ctx)
	if err != nil {
		s.history = s.history[:mark]
		return Turn{}, err
	}
	return turn, nil
}

// SubmitToolResults answers every pending tool call in one batch and asks the provider for the next turn. Results
// are matched to calls by CallID; a call without a result is answered as failed so the batch stays complete.
// The results stay in the history even when the provider then fails, since the operations already happened.
func (s *Session) SubmitToolResults(ctx context.Context, results []models.ToolResult) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return Turn{}, ErrNoPendingToolCalls
	}

	byID := make(map[string]models.ToolResult, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	last := &s.history[len(s.history)-1]
	for _, call := range s.pending {
		r, ok := byID[call.ID]
		if !ok {
			r = models.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Message: "The operation was not executed.",
				Payload: map[string]any{"error": "not_executed"},
			}
		}
		last.Contents = append(last.Contents, r.Content())
	}
	s.pending = nil

	return s.complete(ctx)
}

// complete runs one provider request on the current history and appends the assistant message. Callers hold mu.
func (s *Session) complete(ctx context.Context) (Turn, error) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	var turn Turn
	var text string

	for content, err := range s.llm.Chat(ctx, s.system, s.history, s.tools) {
		if err != nil {
			var perr *models.ProviderError
			if !errors.As(err, &perr) {
				err = &models.ProviderError{Provider: "unknown", Err: err}
			}
			s.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			return Turn{}, err
		}

		switch content.Type {
		case models.ContentTypeText:
			text += content.Text
		case models.ContentTypeCallTool:
			call, err := models.ToolCallFromContent(content)
			if err != nil {
				// Keep the call so it gets a failed result instead of breaking the batch.
				s.logger.Warn("Tool call with unreadable arguments", slog.String(errLoggerKey, err.Error()))
				content.ToolInput = []byte("{}")
			}
			if call.ID == "" {
				call.ID = uuid.NewString()
				content.CallToolID = call.ID
			}
			turn.ToolCalls = append(turn.ToolCalls, call)
			msg.Contents = append(msg.Contents, content)
		default:
			s.logger.Warn("Ignoring unexpected content from provider", slog.String("type", string(content.Type)))
		}
	}

	turn.Text = text
	if text != "" {
		msg.Contents = append([]models.Content{{Type: models.ContentTypeText, Text: text}}, msg.Contents...)
	}
	if len(msg.Contents) == 0 {
		msg.Contents = []models.Content{{Type: models.ContentTypeText, Text: ""}}
	}
	s.history = append(s.history, msg)
	s.pending = turn.ToolCalls
	return turn, nil
}

// Run performs a complete exchange: it sends text, dispatches every tool call through exec one at a time in the
// order the model issued them, submits the results in one batch, and repeats until the model answers with text.
// emit receives the messages to show as they happen: a system message per tool result and the final assistant
// message. On a provider failure the error is returned and nothing else is emitted.
func (s *Session) Run(ctx context.Context, text string, exec Executor, emit func(models.Message)) error {
	if emit == nil {
		emit = func(models.Message) {}
	}

	turn, err := s.Send(ctx, text)
	if err != nil {
		return err
	}

	for round := 0; turn.HasToolCalls(); round++ {
		if round == MaxToolRounds {
			s.abandonPending()
			return fmt.Errorf("%w: stopped after %d rounds", ErrToolRoundsExceeded, MaxToolRounds)
		}

		results := make([]models.ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			res := exec.Dispatch(ctx, s.profile.User.ID, call)
			res.CallID, res.Name = call.ID, call.Name
			results = append(results, res)
			emit(ToolResultMessage(s.profile.Language, res))
		}

		turn, err = s.SubmitToolResults(ctx, results)
		if err != nil {
			return err
		}
	}

	// A silent final turn adds no assistant message.
	if strings.TrimSpace(turn.Text) != "" {
		emit(models.NewTextMessage(uuid.NewString(), models.RoleAssistant, turn.Text))
	}
	return nil
}

// abandonPending answers outstanding calls as not executed without asking the provider again.
func (s *Session) abandonPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	last := &s.history[len(s.history)-1]
	for _, call := range s.pending {
		last.Contents = append(last.Contents, models.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Message: "The operation was not executed.",
			Payload: map[string]any{"error": "not_executed"},
		}.Content())
	}
	s.pending = nil
}

// ToolResultMessage renders a tool result as the system message shown to the user.
func ToolResultMessage(lang string, res models.ToolResult) models.Message {
	label := i18n.Text(lang, i18n.ToolSucceeded)
	if !res.Success {
		label = i18n.Text(lang, i18n.ToolFailed)
	}
	msg := models.NewTextMessage(uuid.NewString(), models.RoleSystem, label+": "+res.Message)
	msg.Contents = append(msg.Contents, res.Content())
	return msg
}

// FallbackMessage is the one system message shown when an exchange fails.
func FallbackMessage(lang string, err error) models.Message {
	key := i18n.ProviderUnavailable
	if errors.Is(err, ErrToolRoundsExceeded) {
		key = i18n.ToolLoopExceeded
	}
	return models.NewTextMessage(uuid.NewString(), models.RoleSystem, i18n.Text(lang, key))
}
