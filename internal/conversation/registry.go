package conversation

import (
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
)

// Registry holds the live session of every open chat.
type Registry struct {
	llm    LLM
	tools  []mcp.Tool
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]registered
}

type registered struct {
	session     *Session
	fingerprint string
}

// NewRegistry creates an empty registry. Every session it creates talks to llm with tools.
func NewRegistry(llm LLM, tools []mcp.Tool, logger *slog.Logger) *Registry {
	return &Registry{
		llm:      llm,
		tools:    tools,
		logger:   logger,
		sessions: make(map[string]registered),
	}
}

// Session returns the chat's session for the profile. A new session is created when there is none or when the
// profile's fingerprint differs from the one the current session was built for; history seeds it in that case.
func (r *Registry) Session(chatID string, p Profile, history []models.Message) *Session {
	fp := p.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[chatID]; ok && cur.fingerprint == fp {
		return cur.session
	}
	s := NewSession(chatID, p, r.llm, r.tools, history, r.logger)
	if cur, ok := r.sessions[chatID]; ok {
		r.logger.Info("Recreating session after profile change",
			slog.String("chatID", chatID),
			slog.Uint64("previous", cur.session.ID()),
			slog.Uint64("current", s.ID()))
	}
	r.sessions[chatID] = registered{session: s, fingerprint: fp}
	return s
}

// IsCurrent reports whether sessionID is still the chat's live session. Results of a replaced or reset session
// must be discarded.
func (r *Registry) IsCurrent(chatID string, sessionID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[chatID]
	return ok && cur.session.ID() == sessionID
}

// Reset drops the chat's session.
func (r *Registry) Reset(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatID)
}
