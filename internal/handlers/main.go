package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	bankassistant "github.com/MegaGrindStone/bank-assistant"
	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/yuin/goldmark"
)

// Store defines the interface for managing chat and message persistence. Chats belong to one user and carry the
// response language; their messages are ordered and can be dropped all at once with ResetChat.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, bool, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	ResetChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
}

// Accounts lists the account holders and resolves what a conversation profile is built from.
type Accounts interface {
	Users(ctx context.Context) ([]models.User, error)
	User(ctx context.Context, userID string) (models.User, error)
	Cards(ctx context.Context, userID string) ([]models.Card, error)
	Loans(ctx context.Context, userID string) ([]models.Loan, error)
}

// TitleGenerator names a chat from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Dispatcher executes tool calls for a user. Both text turns and voice sessions go through it, so it should be
// the step-up gate.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult
}

// ChallengeBroker resolves step-up challenges from the browser and enrolls passkeys.
type ChallengeBroker interface {
	Verify(ctx context.Context, userID, challengeID string, r *http.Request) error
	Decline(userID, challengeID string) error
	Pending(userID string) []stepup.Challenge
	HasCredential(ctx context.Context, userID string) (bool, error)
	BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, userID string, r *http.Request) error
}

// TurnObserver counts finished text turns by result.
type TurnObserver interface {
	ObserveTurn(result string)
}

// Config holds the dependencies of Main. Broker, Live, TitleGenerator and the observers are optional.
type Config struct {
	Events     *Events
	Sessions   *conversation.Registry
	Dispatcher Dispatcher
	Tools      []mcp.Tool
	Store      Store
	Accounts   Accounts

	TitleGenerator TitleGenerator
	Broker         ChallengeBroker
	Live           voice.LiveProvider
	LiveVoice      string

	DefaultUser   string
	TurnObserver  TurnObserver
	VoiceObserver voice.Observer
	Logger        *slog.Logger
}

// Main handles the core functionality of the banking assistant: the chat pages, the server-sent events that carry
// assistant messages and step-up challenges, and the voice websocket.
type Main struct {
	events    *Events
	templates *template.Template
	markdown  goldmark.Markdown

	sessions       *conversation.Registry
	dispatcher     Dispatcher
	tools          []mcp.Tool
	store          Store
	accounts       Accounts
	titleGenerator TitleGenerator
	broker         ChallengeBroker
	live           voice.LiveProvider
	liveVoice      string

	defaultUser   string
	activity      *activity
	turnObserver  TurnObserver
	voiceObserver voice.Observer

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a Main from cfg. It parses the templates from the embedded filesystem; Events, Sessions,
// Dispatcher, Store and Accounts are required.
func NewMain(cfg Config) (Main, error) {
	switch {
	case cfg.Events == nil:
		return Main{}, errors.New("events are required")
	case cfg.Sessions == nil:
		return Main{}, errors.New("session registry is required")
	case cfg.Dispatcher == nil:
		return Main{}, errors.New("dispatcher is required")
	case cfg.Store == nil:
		return Main{}, errors.New("store is required")
	case cfg.Accounts == nil:
		return Main{}, errors.New("accounts are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		bankassistant.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		events:         cfg.Events,
		templates:      tmpl,
		markdown:       newMarkdown(),
		sessions:       cfg.Sessions,
		dispatcher:     cfg.Dispatcher,
		tools:          cfg.Tools,
		store:          cfg.Store,
		accounts:       cfg.Accounts,
		titleGenerator: cfg.TitleGenerator,
		broker:         cfg.Broker,
		live:           cfg.Live,
		liveVoice:      cfg.LiveVoice,
		defaultUser:    cfg.DefaultUser,
		activity:       newActivity(),
		turnObserver:   cfg.TurnObserver,
		voiceObserver:  cfg.VoiceObserver,
		logger:         cfg.Logger.With(slog.String("module", "main")),
	}, nil
}

// HandleSSE subscribes the client to the chat list, the chat named by chat_id and the current user's step-up
// challenges.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.events.ServeHTTP(w, r)
}

// Shutdown stops every voice session and gracefully terminates the SSE server. It broadcasts a close message to
// all connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any remaining
// connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.activity.stopVoices()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.events.Shutdown(ctx)
}
