package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

type language struct {
	Code     string
	Name     string
	Selected bool
}

type homePageData struct {
	User          models.User
	Users         []models.User
	Chats         []chat
	CurrentChatID string
	Language      string
	Languages     []language
	Messages      []message

	Answering    bool
	VoiceEnabled bool
	StepUp       bool
	HasPasskey   bool
}

// HandleHome renders the chat page for the current user. ?user= switches the account (remembered in a cookie);
// ?chat_id= opens one of the user's chats.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	userID := identify(r, m.defaultUser)
	if u := r.URL.Query().Get("user"); u != "" {
		userID = u
		http.SetCookie(w, &http.Cookie{
			Name:     userCookie,
			Value:    u,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	user, err := m.accounts.User(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "Unknown user", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get user",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		User:         user,
		Language:     i18n.Match(r.Header.Get("Accept-Language")),
		VoiceEnabled: m.live != nil,
		StepUp:       m.broker != nil,
	}

	if data.Users, err = m.accounts.Users(r.Context()); err != nil {
		m.logger.Warn("Failed to list users", slog.String(errLoggerKey, err.Error()))
	}

	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		ch, err := m.userChat(r.Context(), userID, chatID)
		if err != nil {
			m.chatError(w, chatID, err)
			return
		}
		data.CurrentChatID = ch.ID
		data.Language = ch.Language

		messages, err := m.store.Messages(r.Context(), ch.ID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", ch.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range messages {
			rm, err := m.renderMessage(msg)
			if err != nil {
				m.logger.Error("Failed to render message",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data.Messages = append(data.Messages, rm)
		}
	}

	data.Chats, err = m.userChats(r.Context(), userID, data.CurrentChatID)
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, code := range i18n.Codes() {
		data.Languages = append(data.Languages, language{
			Code:     code,
			Name:     i18n.Name(code),
			Selected: code == data.Language,
		})
	}

	if m.broker != nil {
		if data.HasPasskey, err = m.broker.HasCredential(r.Context(), userID); err != nil {
			m.logger.Warn("Failed to check passkey", slog.String(errLoggerKey, err.Error()))
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
