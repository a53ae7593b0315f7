package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
)

// Turn results reported to the TurnObserver.
const (
	turnOK            = "ok"
	turnProviderError = "provider_error"
	turnToolRounds    = "tool_rounds_exceeded"
	turnError         = "error"
)

var errChatNotFound = errors.New("chat not found")

// HandleChats processes a user message sent through an HTTP POST. It accepts the message through the "message"
// form field, an optional "chat_id" and an optional "lang". Without chat_id a new chat is created for the current
// user; lang changes the chat's response language, which rebuilds its conversation session.
//
// The exchange with the assistant runs in the background. Its tool outcomes and the final answer are stored and
// pushed to the chat's SSE topic as they happen, followed by a turnEnd event. The response is the chatbox for a
// new chat, or the user's message otherwise. A chat that is already answering or in voice mode answers 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := strings.TrimSpace(r.FormValue("message"))
	if text == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	userID := identify(r, m.defaultUser)
	lang := r.FormValue("lang")

	var ch models.Chat
	var err error

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := chatID == ""
	if isNewChat {
		if lang == "" {
			lang = i18n.Match(r.Header.Get("Accept-Language"))
		}
		ch, err = m.newChat(r.Context(), userID, lang)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		ch, err = m.userChat(r.Context(), userID, chatID)
		if err != nil {
			m.chatError(w, chatID, err)
			return
		}
		if lang != "" && i18n.Normalize(lang) != ch.Language {
			ch.Language = i18n.Normalize(lang)
			if err := m.store.UpdateChat(r.Context(), ch); err != nil {
				m.logger.Error("Failed to update chat language",
					slog.String("chatID", ch.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	profile, err := m.profile(r.Context(), userID, ch.Language)
	if err != nil {
		m.logger.Error("Failed to load profile",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !m.activity.beginTurn(ch.ID) {
		http.Error(w, "The assistant is still busy with this chat", http.StatusConflict)
		return
	}

	history, err := m.store.Messages(r.Context(), ch.ID)
	if err != nil {
		m.activity.endTurn(ch.ID)
		m.logger.Error("Failed to get messages",
			slog.String("chatID", ch.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	um := models.NewTextMessage(uuid.NewString(), models.RoleUser, text)
	um.ID, err = m.store.AddMessage(r.Context(), ch.ID, um)
	if err != nil {
		m.activity.endTurn(ch.ID)
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// history seeds the session only when it has to be created; an existing one already holds it.
	sess := m.sessions.Session(ch.ID, profile, history)
	go m.chat(sess, text)

	if isNewChat {
		go m.generateChatTitle(ch, text)

		rm, err := m.renderMessage(um)
		if err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data := homePageData{
			CurrentChatID: ch.ID,
			Language:      ch.Language,
			Messages:      []message{rm},
			Answering:     true,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	content, err := m.renderMessageHTML(um)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

// HandleReset clears a chat: its voice session is torn down, its conversation session dropped and its messages
// deleted. Results of work still in flight for the old session are discarded when they arrive.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := identify(r, m.defaultUser)
	chatID := r.FormValue("chat_id")
	ch, err := m.userChat(r.Context(), userID, chatID)
	if err != nil {
		m.chatError(w, chatID, err)
		return
	}

	if b := m.activity.voice(ch.ID); b != nil {
		b.Stop()
	}
	m.sessions.Reset(ch.ID)
	if err := m.store.ResetChat(r.Context(), ch.ID); err != nil {
		m.logger.Error("Failed to reset chat",
			slog.String("chatID", ch.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.logger.Info("Chat reset", slog.String("chatID", ch.ID))

	if err := m.events.publish(resetSSEType, ch.ID, chatTopic(ch.ID)); err != nil {
		m.logger.Error("Failed to publish reset", slog.String(errLoggerKey, err.Error()))
	}

	data := homePageData{CurrentChatID: ch.ID, Language: ch.Language}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) newChat(ctx context.Context, userID, lang string) (models.Chat, error) {
	newChat := models.Chat{
		ID:       uuid.New().String(),
		UserID:   userID,
		Language: i18n.Normalize(lang),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to add chat: %w", err)
	}
	newChat.ID = newChatID

	if err := m.publishChats(ctx, userID, newChat.ID); err != nil {
		return models.Chat{}, err
	}

	return newChat, nil
}

// userChat loads a chat owned by userID.
func (m Main) userChat(ctx context.Context, userID, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, errChatNotFound
	}
	ch, ok, err := m.store.Chat(ctx, chatID)
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to get chat: %w", err)
	}
	if !ok || ch.UserID != userID {
		return models.Chat{}, errChatNotFound
	}
	return ch, nil
}

func (m Main) chatError(w http.ResponseWriter, chatID string, err error) {
	if errors.Is(err, errChatNotFound) {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	m.logger.Error("Failed to load chat",
		slog.String("chatID", chatID),
		slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// profile gathers what the system instruction is built from.
func (m Main) profile(ctx context.Context, userID, lang string) (conversation.Profile, error) {
	user, err := m.accounts.User(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to get user: %w", err)
	}
	cards, err := m.accounts.Cards(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to get cards: %w", err)
	}
	loans, err := m.accounts.Loans(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to get loans: %w", err)
	}
	return conversation.Profile{
		User:     user,
		Language: i18n.Normalize(lang),
		Cards:    cards,
		Loans:    loans,
	}, nil
}

// chat runs one exchange on the session. A provider call is never cancelled; if the session was reset or
// replaced meanwhile, whatever it produces is dropped.
func (m Main) chat(sess *conversation.Session, text string) {
	chatID, sessionID := sess.ChatID(), sess.ID()
	result := turnOK
	defer func() {
		m.activity.endTurn(chatID)
		if err := m.events.publish(turnEndSSEType, chatID, chatTopic(chatID)); err != nil {
			m.logger.Error("Failed to publish turn end", slog.String(errLoggerKey, err.Error()))
		}
		if m.turnObserver != nil {
			m.turnObserver.ObserveTurn(result)
		}
	}()

	emit := func(msg models.Message) {
		m.deliver(chatID, sessionID, msg)
	}

	if err := sess.Run(context.Background(), text, m.dispatcher, emit); err != nil {
		m.logger.Error("Turn failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		result = turnResult(err)
		emit(conversation.FallbackMessage(sess.Profile().Language, err))
	}
}

func turnResult(err error) string {
	var perr *models.ProviderError
	switch {
	case errors.As(err, &perr):
		return turnProviderError
	case errors.Is(err, conversation.ErrToolRoundsExceeded):
		return turnToolRounds
	default:
		return turnError
	}
}

// deliver stores msg and pushes it to the chat, unless sessionID is no longer the chat's session.
func (m Main) deliver(chatID string, sessionID uint64, msg models.Message) {
	if !m.sessions.IsCurrent(chatID, sessionID) {
		m.logger.Info("Discarding message of a replaced session",
			slog.String("chatID", chatID),
			slog.Uint64("sessionID", sessionID))
		return
	}

	var err error
	msg.ID, err = m.store.AddMessage(context.Background(), chatID, msg)
	if err != nil {
		m.logger.Error("Failed to add message",
			slog.String("message", fmt.Sprintf("%+v", msg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	content, err := m.renderMessageHTML(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := m.events.publish(messageSSEType, content, chatTopic(chatID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateChatTitle(ch models.Chat, message string) {
	if m.titleGenerator == nil {
		return
	}
	title, err := m.titleGenerator.GenerateTitle(context.Background(), message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	// The language may have changed since the chat was created.
	current, ok, err := m.store.Chat(context.Background(), ch.ID)
	if err != nil || !ok {
		m.logger.Error("Failed to reload chat", slog.String("chatID", ch.ID))
		return
	}
	current.Title = title
	if err := m.store.UpdateChat(context.Background(), current); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishChats(context.Background(), ch.UserID, ch.ID); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChats(ctx context.Context, userID, activeID string) error {
	divs, err := m.chatDivs(ctx, userID, activeID)
	if err != nil {
		return fmt.Errorf("failed to create chat divs: %w", err)
	}
	if err := m.events.publish(chatsSSEType, divs, userTopic(userID)); err != nil {
		return fmt.Errorf("failed to publish chats: %w", err)
	}
	return nil
}

func (m Main) userChats(ctx context.Context, userID, activeID string) ([]chat, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	var out []chat
	for _, ch := range chats {
		if ch.UserID != userID {
			continue
		}
		out = append(out, chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
	}
	return out, nil
}

func (m Main) chatDivs(ctx context.Context, userID, activeID string) (string, error) {
	chats, err := m.userChats(ctx, userID, activeID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, ch := range chats {
		if err := m.templates.ExecuteTemplate(&sb, "chat_title", ch); err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
