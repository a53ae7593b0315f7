package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/handlers"
	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/go-webauthn/webauthn/protocol"
)

// mockLLM answers each request with the next entry of turns, repeating the last one. When block is set every
// request waits for it to be closed first.
type mockLLM struct {
	mu    sync.Mutex
	turns [][]models.Content
	calls int
	block chan struct{}
	err   error
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

type mockAccounts struct {
	users map[string]models.User
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls []models.ToolCall
}

type mockTitleGenerator struct {
	title string
}

type turnRecorder struct {
	results chan string
}

type mockBroker struct {
	mu        sync.Mutex
	pending   []stepup.Challenge
	verified  []string
	declined  []string
	verifyErr error
	hasCred   bool
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textTurn(text string) []models.Content {
	return []models.Content{{Type: models.ContentTypeText, Text: text}}
}

func newTestStore() *mockStore {
	return &mockStore{
		chats: []models.Chat{
			{ID: "1", UserID: "alice", Title: "Test Chat", Language: "en"},
			{ID: "2", UserID: "bob", Title: "Bob Chat", Language: "en"},
		},
		messages: map[string][]models.Message{
			"1": {models.NewTextMessage("m1", models.RoleUser, "Hello")},
		},
	}
}

func newTestAccounts() *mockAccounts {
	return &mockAccounts{users: map[string]models.User{
		"alice": {ID: "alice", DisplayName: "Alice Johnson", Balance: models.MoneyFromFloat(500)},
		"bob":   {ID: "bob", DisplayName: "Bob Smith"},
	}}
}

type testMain struct {
	main       handlers.Main
	store      *mockStore
	llm        *mockLLM
	dispatcher *mockDispatcher
	turns      *turnRecorder
}

func newTestMain(t *testing.T, llm *mockLLM, cfg handlers.Config) testMain {
	t.Helper()

	store := newTestStore()
	dispatcher := &mockDispatcher{}
	turns := &turnRecorder{results: make(chan string, 10)}

	cfg.Events = handlers.NewEvents("alice", quietLogger())
	cfg.Sessions = conversation.NewRegistry(llm, nil, quietLogger())
	cfg.Dispatcher = dispatcher
	cfg.Store = store
	cfg.Accounts = newTestAccounts()
	cfg.DefaultUser = "alice"
	cfg.TurnObserver = turns
	cfg.Logger = quietLogger()

	main, err := handlers.NewMain(cfg)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })

	return testMain{main: main, store: store, llm: llm, dispatcher: dispatcher, turns: turns}
}

func (tm testMain) waitTurn(t *testing.T) string {
	t.Helper()
	select {
	case res := <-tm.turns.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
		return ""
	}
}

func postForm(handler http.HandlerFunc, target, form string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	tm := newTestMain(t, &mockLLM{}, handlers.Config{})

	if tm.main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}

	if _, err := handlers.NewMain(handlers.Config{}); err == nil {
		t.Error("NewMain() without dependencies should fail")
	}
}

func TestHandleHome(t *testing.T) {
	tm := newTestMain(t, &mockLLM{}, handlers.Config{})

	tests := []struct {
		name       string
		url        string
		cookie     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Chat", // Should contain chat title
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello", // Should contain message content
		},
		{
			name:       "Chat of another user",
			url:        "/?chat_id=2",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Switch user",
			url:        "/?user=bob",
			wantStatus: http.StatusOK,
			wantBody:   "Bob Chat",
		},
		{
			name:       "User from cookie",
			url:        "/",
			cookie:     "bob",
			wantStatus: http.StatusOK,
			wantBody:   "Bob Chat",
		},
		{
			name:       "Unknown user",
			url:        "/?user=mallory",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown path",
			url:        "/favicon.ico",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "bank_user", Value: tt.cookie})
			}
			w := httptest.NewRecorder()

			tm.main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	tm := newTestMain(t, &mockLLM{turns: [][]models.Content{textTurn("AI response")}}, handlers.Config{})

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
		wantTurn   bool
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "   ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "404",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Chat of another user",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "2",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantTurn:   true,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "1",
			wantStatus: http.StatusOK,
			wantTurn:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := strings.NewReader(
				"message=" + tt.message + "&chat_id=" + tt.chatID,
			)
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			tm.main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantTurn {
				if res := tm.waitTurn(t); res != "ok" {
					t.Errorf("turn result = %v, want ok", res)
				}
			}
		})
	}

	msgs := tm.store.chatMessages("1")
	if len(msgs) != 3 {
		t.Fatalf("messages of chat 1 = %d, want 3", len(msgs))
	}
	if msgs[2].Role != models.RoleAssistant || msgs[2].Text() != "AI response" {
		t.Errorf("last message = %+v, want the assistant answer", msgs[2])
	}
}

func TestHandleChatsNewChat(t *testing.T) {
	tm := newTestMain(t, &mockLLM{turns: [][]models.Content{textTurn("Hi Alice")}}, handlers.Config{
		TitleGenerator: mockTitleGenerator{title: "Greeting"},
	})

	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader("message=Hola&lang=es"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	tm.main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `id="chatbox"`) || !strings.Contains(w.Body.String(), "Hola") {
		t.Errorf("HandleChats() body = %v, want the chatbox with the message", w.Body.String())
	}
	tm.waitTurn(t)

	eventually(t, func() bool {
		ch, ok := tm.store.lastChat()
		return ok && ch.Title == "Greeting"
	})
	ch, _ := tm.store.lastChat()
	if ch.UserID != "alice" || ch.Language != "es" {
		t.Errorf("new chat = %+v, want alice's chat in es", ch)
	}
}

func TestHandleChatsToolCalls(t *testing.T) {
	llm := &mockLLM{turns: [][]models.Content{
		{models.ToolCall{ID: "c1", Name: "get_account_summary", Arguments: map[string]any{}}.Content()},
		textTurn("You have $500.00."),
	}}
	tm := newTestMain(t, llm, handlers.Config{})

	w := postForm(tm.main.HandleChats, "/chats", "message=Balance?&chat_id=1")
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	tm.waitTurn(t)

	msgs := tm.store.chatMessages("1")
	roles := make([]models.Role, 0, len(msgs))
	for _, msg := range msgs {
		roles = append(roles, msg.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleUser, models.RoleSystem, models.RoleAssistant}
	if !slices.Equal(roles, want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if !strings.HasPrefix(msgs[2].Text(), "Done: ") {
		t.Errorf("tool outcome = %q, want a success notice", msgs[2].Text())
	}
	if len(tm.dispatcher.calls) != 1 || tm.dispatcher.calls[0].Name != "get_account_summary" {
		t.Errorf("dispatched = %+v, want get_account_summary", tm.dispatcher.calls)
	}
}

func TestHandleChatsProviderError(t *testing.T) {
	llm := &mockLLM{err: &models.ProviderError{Provider: "mock", Err: errors.New("unavailable")}}
	tm := newTestMain(t, llm, handlers.Config{})

	postForm(tm.main.HandleChats, "/chats", "message=Hello&chat_id=1")
	if res := tm.waitTurn(t); res != "provider_error" {
		t.Errorf("turn result = %v, want provider_error", res)
	}

	msgs := tm.store.chatMessages("1")
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Text(), "couldn't reach the assistant") {
		t.Errorf("last message = %+v, want the fallback notice", last)
	}
}

func TestHandleChatsBusy(t *testing.T) {
	llm := &mockLLM{turns: [][]models.Content{textTurn("Done")}, block: make(chan struct{})}
	tm := newTestMain(t, llm, handlers.Config{})

	if w := postForm(tm.main.HandleChats, "/chats", "message=One&chat_id=1"); w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	if w := postForm(tm.main.HandleChats, "/chats", "message=Two&chat_id=1"); w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}

	close(llm.block)
	tm.waitTurn(t)

	if w := postForm(tm.main.HandleChats, "/chats", "message=Three&chat_id=1"); w.Code != http.StatusOK {
		t.Errorf("HandleChats() after the turn status = %v, want %v", w.Code, http.StatusOK)
	}
	tm.waitTurn(t)
}

func TestHandleReset(t *testing.T) {
	llm := &mockLLM{turns: [][]models.Content{textTurn("Too late")}, block: make(chan struct{})}
	tm := newTestMain(t, llm, handlers.Config{})

	postForm(tm.main.HandleChats, "/chats", "message=Hello&chat_id=1")

	w := postForm(tm.main.HandleReset, "/chats/reset", "chat_id=1")
	if w.Code != http.StatusOK {
		t.Fatalf("HandleReset() status = %v, want %v", w.Code, http.StatusOK)
	}

	// The answer of the reset session arrives after the reset and must be dropped.
	close(llm.block)
	tm.waitTurn(t)

	if msgs := tm.store.chatMessages("1"); len(msgs) != 0 {
		t.Errorf("messages after reset = %+v, want none", msgs)
	}

	if w := postForm(tm.main.HandleReset, "/chats/reset", "chat_id=2"); w.Code != http.StatusNotFound {
		t.Errorf("HandleReset() of another user's chat status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestStepUpHandlers(t *testing.T) {
	broker := &mockBroker{
		pending:   []stepup.Challenge{{ID: "ch-1", UserID: "alice", Action: "initiate_payment"}},
		verifyErr: nil,
	}
	tm := newTestMain(t, &mockLLM{}, handlers.Config{Broker: broker})

	req := httptest.NewRequest(http.MethodGet, "/stepup/pending", nil)
	w := httptest.NewRecorder()
	tm.main.HandleStepUpPending(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ch-1"`) {
		t.Errorf("HandleStepUpPending() = %v %v, want the pending challenge", w.Code, w.Body.String())
	}

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		id         string
		wantStatus int
	}{
		{name: "Verify", handler: tm.main.HandleStepUpVerify, id: "ch-1", wantStatus: http.StatusNoContent},
		{name: "Verify unknown", handler: tm.main.HandleStepUpVerify, id: "nope", wantStatus: http.StatusNotFound},
		{name: "Decline", handler: tm.main.HandleStepUpDecline, id: "ch-1", wantStatus: http.StatusNoContent},
		{name: "Decline unknown", handler: tm.main.HandleStepUpDecline, id: "nope", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/stepup/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()

			tt.handler(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}

	if !slices.Equal(broker.verified, []string{"ch-1"}) || !slices.Equal(broker.declined, []string{"ch-1"}) {
		t.Errorf("verified = %v, declined = %v", broker.verified, broker.declined)
	}

	broker.verifyErr = errors.New("bad signature")
	req = httptest.NewRequest(http.MethodPost, "/stepup/ch-1/verify", nil)
	req.SetPathValue("id", "ch-1")
	w = httptest.NewRecorder()
	tm.main.HandleStepUpVerify(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleStepUpVerify() with a bad assertion status = %v, want %v", w.Code, http.StatusBadRequest)
	}
}

func TestStepUpWithoutBroker(t *testing.T) {
	tm := newTestMain(t, &mockLLM{}, handlers.Config{})

	for name, handler := range map[string]http.HandlerFunc{
		"pending":  tm.main.HandleStepUpPending,
		"verify":   tm.main.HandleStepUpVerify,
		"decline":  tm.main.HandleStepUpDecline,
		"register": tm.main.HandleRegisterBegin,
		"finish":   tm.main.HandleRegisterFinish,
	} {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodPost, "/", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %v, want %v", name, w.Code, http.StatusNotFound)
		}
	}
}

func TestRegisterHandlers(t *testing.T) {
	tm := newTestMain(t, &mockLLM{}, handlers.Config{Broker: &mockBroker{}})

	w := httptest.NewRecorder()
	tm.main.HandleRegisterBegin(w, httptest.NewRequest(http.MethodPost, "/webauthn/register/begin", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"publicKey"`) {
		t.Errorf("HandleRegisterBegin() = %v %v, want creation options", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	tm.main.HandleRegisterFinish(w, httptest.NewRequest(http.MethodPost, "/webauthn/register/finish", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleRegisterFinish() status = %v, want %v", w.Code, http.StatusNoContent)
	}
}

func TestEventsNotifier(t *testing.T) {
	events := handlers.NewEvents("alice", quietLogger())
	defer func() { _ = events.Shutdown(context.Background()) }()

	var notifier stepup.Notifier = events
	err := notifier.ChallengeOpened(context.Background(), stepup.PendingChallenge{
		Challenge: stepup.Challenge{ID: "ch-1", UserID: "alice", Summary: "Send $100.00 to Bob"},
	})
	if err != nil {
		t.Errorf("ChallengeOpened() error = %v", err)
	}
	notifier.ChallengeClosed("alice", "ch-1", stepup.StateCancelled)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *mockLLM) Chat(ctx context.Context, _ string, _ []models.Message, _ []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				yield(models.Content{}, ctx.Err())
				return
			}
		}
		if m.err != nil {
			yield(models.Content{}, m.err)
			return
		}

		m.mu.Lock()
		var turn []models.Content
		if len(m.turns) > 0 {
			turn = m.turns[min(m.calls, len(m.turns)-1)]
		}
		m.calls++
		m.mu.Unlock()

		for _, c := range turn {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) Chat(_ context.Context, chatID string) (models.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chatID })
	if idx == -1 {
		return models.Chat{}, false, m.err
	}
	return m.chats[idx], true, m.err
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	return chat.ID, nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return fmt.Errorf("chat not found")
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) ResetChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, chatID)
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) chatMessages(chatID string) []models.Message {
	msgs, _ := m.Messages(context.Background(), chatID)
	return msgs
}

func (m *mockStore) lastChat() (models.Chat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chats) == 0 {
		return models.Chat{}, false
	}
	return m.chats[len(m.chats)-1], true
}

func (a *mockAccounts) Users(_ context.Context) ([]models.User, error) {
	users := make([]models.User, 0, len(a.users))
	for _, u := range a.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(x, y models.User) int { return strings.Compare(x.ID, y.ID) })
	return users, nil
}

func (a *mockAccounts) User(_ context.Context, userID string) (models.User, error) {
	u, ok := a.users[userID]
	if !ok {
		return models.User{}, ledger.ErrNotFound
	}
	return u, nil
}

func (a *mockAccounts) Cards(_ context.Context, _ string) ([]models.Card, error) {
	return nil, nil
}

func (a *mockAccounts) Loans(_ context.Context, _ string) ([]models.Loan, error) {
	return nil, nil
}

func (d *mockDispatcher) Dispatch(_ context.Context, _ string, call models.ToolCall) models.ToolResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return models.ToolResult{
		Success: true,
		Message: "Your balance is $500.00.",
		Payload: map[string]any{"balance": 500.0},
	}
}

func (g mockTitleGenerator) GenerateTitle(_ context.Context, _ string) (string, error) {
	return g.title, nil
}

func (r *turnRecorder) ObserveTurn(result string) {
	r.results <- result
}

func (b *mockBroker) Verify(_ context.Context, userID, challengeID string, _ *http.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isPending(userID, challengeID) {
		return stepup.ErrUnknownChallenge
	}
	if b.verifyErr != nil {
		return b.verifyErr
	}
	b.verified = append(b.verified, challengeID)
	return nil
}

func (b *mockBroker) Decline(userID, challengeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isPending(userID, challengeID) {
		return stepup.ErrUnknownChallenge
	}
	b.declined = append(b.declined, challengeID)
	return nil
}

func (b *mockBroker) isPending(userID, challengeID string) bool {
	return slices.ContainsFunc(b.pending, func(c stepup.Challenge) bool {
		return c.ID == challengeID && c.UserID == userID
	})
}

func (b *mockBroker) Pending(userID string) []stepup.Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stepup.Challenge
	for _, c := range b.pending {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (b *mockBroker) HasCredential(_ context.Context, _ string) (bool, error) {
	return b.hasCred, nil
}

func (b *mockBroker) BeginRegistration(_ context.Context, _ string) (*protocol.CredentialCreation, error) {
	return &protocol.CredentialCreation{
		Response: protocol.PublicKeyCredentialCreationOptions{
			Challenge: protocol.URLEncodedBase64("challenge"),
		},
	}, nil
}

func (b *mockBroker) FinishRegistration(_ context.Context, _ string, _ *http.Request) error {
	return nil
}
