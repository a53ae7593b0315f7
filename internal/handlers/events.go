package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/tmaxmax/go-sse"
)

const userCookie = "bank_user"

// SSE event types for real-time updates.
var (
	chatsSSEType           = sse.Type("chats")
	messageSSEType         = sse.Type("message")
	turnEndSSEType         = sse.Type("turnEnd")
	resetSSEType           = sse.Type("reset")
	challengeSSEType       = sse.Type("challenge")
	challengeClosedSSEType = sse.Type("challengeClosed")
)

// Events is the server-sent events hub. Every client gets its user's chat list and step-up challenges; chat_id
// adds the chat's messages. It implements stepup.Notifier.
type Events struct {
	srv         *sse.Server
	defaultUser string
	logger      *slog.Logger
}

type challengeClosed struct {
	ID    string       `json:"id"`
	State stepup.State `json:"state"`
}

// NewEvents creates the hub. defaultUser is the account used by clients that haven't picked one.
func NewEvents(defaultUser string, logger *slog.Logger) *Events {
	e := &Events{
		defaultUser: defaultUser,
		logger:      logger.With(slog.String("module", "events")),
	}
	e.srv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// We start with default topics that all clients should subscribe to
			topics := []string{sse.DefaultTopic, userTopic(identify(s.Req, e.defaultUser))}

			if chatID := s.Req.URL.Query().Get("chat_id"); chatID != "" {
				topics = append(topics, chatTopic(chatID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}
	return e
}

func chatTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

func userTopic(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// identify returns the account the request acts for.
func identify(r *http.Request, fallback string) string {
	if c, err := r.Cookie(userCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return fallback
}

func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.srv.ServeHTTP(w, r)
}

func (e *Events) publish(typ sse.EventType, data string, topic string) error {
	msg := sse.Message{Type: typ}
	msg.AppendData(data)
	return e.srv.Publish(&msg, topic)
}

// ChallengeOpened sends the assertion request to the user's browser.
func (e *Events) ChallengeOpened(_ context.Context, p stepup.PendingChallenge) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := e.publish(challengeSSEType, string(data), userTopic(p.UserID)); err != nil {
		return fmt.Errorf("failed to publish challenge: %w", err)
	}
	return nil
}

// ChallengeClosed tells the browser to dismiss the challenge.
func (e *Events) ChallengeClosed(userID, challengeID string, state stepup.State) {
	data, err := json.Marshal(challengeClosed{ID: challengeID, State: state})
	if err != nil {
		e.logger.Error("Failed to marshal closed challenge", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := e.publish(challengeClosedSSEType, string(data), userTopic(userID)); err != nil {
		e.logger.Error("Failed to publish closed challenge",
			slog.String("challengeID", challengeID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown broadcasts a close event and terminates the SSE server.
func (e *Events) Shutdown(ctx context.Context) error {
	// We create a close event that complies with SSE spec requiring data
	// We ignore the error here since we're shutting down anyway
	_ = e.publish(sse.Type("closeChat"), "bye", sse.DefaultTopic)

	return e.srv.Shutdown(ctx)
}
