package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM answers each request with the next scripted reply and records what it was sent.
type scriptedLLM struct {
	replies  [][]models.Content
	errs     []error
	requests [][]models.Message
	systems  []string
}

func (l *scriptedLLM) Chat(_ context.Context, system string, messages []models.Message, _ []mcp.Tool,
) iter.Seq2[models.Content, error] {
	i := len(l.requests)
	snapshot := make([]models.Message, len(messages))
	copy(snapshot, messages)
	l.requests = append(l.requests, snapshot)
	l.systems = append(l.systems, system)

	return func(yield func(models.Content, error) bool) {
		if i < len(l.errs) && l.errs[i] != nil {
			yield(models.Content{}, l.errs[i])
			return
		}
		if i >= len(l.replies) {
			yield(models.Content{Type: models.ContentTypeText, Text: "ok"}, nil)
			return
		}
		for _, c := range l.replies[i] {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func text(s string) models.Content {
	return models.Content{Type: models.ContentTypeText, Text: s}
}

func callTool(id, name string, args map[string]any) models.Content {
	raw, _ := json.Marshal(args)
	return models.Content{Type: models.ContentTypeCallTool, CallToolID: id, ToolName: name, ToolInput: raw}
}

type recordingExecutor struct {
	calls []models.ToolCall
	fail  map[string]bool
}

func (e *recordingExecutor) Dispatch(_ context.Context, _ string, call models.ToolCall) models.ToolResult {
	e.calls = append(e.calls, call)
	ok := !e.fail[call.Name]
	return models.ToolResult{Success: ok, Message: call.Name + " handled", Payload: map[string]any{"n": len(e.calls)}}
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testProfile() Profile {
	return Profile{
		User: models.User{
			ID:          "alice",
			DisplayName: "Alice Johnson",
			Contacts:    []models.Contact{{Name: "Maria Lopez", Email: "maria@example.com"}},
		},
		Language: "es",
		Cards:    []models.Card{{ID: "card-1", Type: "Gold", Number: "4532015112831234", Status: models.CardStatusActive}},
		Loans:    []models.Loan{{ID: "loan-1", Type: "Auto", Status: models.LoanStatusActive}},
	}
}

func TestSendPlainText(t *testing.T) {
	llm := &scriptedLLM{replies: [][]models.Content{{text("Hola "), text("Alice")}}}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	turn, err := s.Send(context.Background(), "hi")

	require.NoError(t, err)
	assert.False(t, turn.HasToolCalls())
	assert.Equal(t, "Hola Alice", turn.Text)
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "Hola Alice", history[1].Text())
}

func TestSendProviderErrorKeepsHistory(t *testing.T) {
	perr := &models.ProviderError{Provider: "gemini", Err: errors.New("quota exceeded")}
	llm := &scriptedLLM{
		replies: [][]models.Content{{text("first answer")}},
		errs:    []error{nil, perr},
	}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)
	_, err := s.Send(context.Background(), "first")
	require.NoError(t, err)
	before := s.History()

	_, err = s.Send(context.Background(), "second")

	var got *models.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "gemini", got.Provider)
	assert.Equal(t, before, s.History())
}

func TestSendWrapsUntypedErrors(t *testing.T) {
	llm := &scriptedLLM{errs: []error{errors.New("connection reset")}}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	_, err := s.Send(context.Background(), "hi")

	var perr *models.ProviderError
	assert.ErrorAs(t, err, &perr)
	assert.Empty(t, s.History())
}

func TestToolCallsRoundTrip(t *testing.T) {
	llm := &scriptedLLM{replies: [][]models.Content{
		{
			text("Let me do that."),
			callTool("c1", "initiate_payment", map[string]any{"recipient": "Maria Lopez", "amount": 20}),
			callTool("c2", "get_account_summary", nil),
		},
		{text("Sent $20.00 to Maria.")},
	}}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	turn, err := s.Send(context.Background(), "send 20 to Maria and show my balance")
	require.NoError(t, err)
	require.True(t, turn.HasToolCalls())
	require.Len(t, turn.ToolCalls, 2)
	assert.Equal(t, "Maria Lopez", turn.ToolCalls[0].Arguments["recipient"])

	_, err = s.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrPendingToolCalls)

	final, err := s.SubmitToolResults(context.Background(), []models.ToolResult{
		{CallID: "c2", Name: "get_account_summary", Success: true, Message: "balance", Payload: map[string]any{}},
		{CallID: "c1", Name: "initiate_payment", Success: true, Message: "sent", Payload: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sent $20.00 to Maria.", final.Text)

	// The second request carries both calls and both results in one assistant message, in call order.
	require.Len(t, llm.requests, 2)
	exchange := llm.requests[1][1]
	var types []models.ContentType
	var ids []string
	for _, c := range exchange.Contents {
		types = append(types, c.Type)
		ids = append(ids, c.CallToolID)
	}
	assert.Equal(t, []models.ContentType{
		models.ContentTypeText, models.ContentTypeCallTool, models.ContentTypeCallTool,
		models.ContentTypeToolResult, models.ContentTypeToolResult,
	}, types)
	assert.Equal(t, []string{"", "c1", "c2", "c1", "c2"}, ids)

	_, err = s.SubmitToolResults(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoPendingToolCalls)
}

func TestSubmitToolResultsFillsMissing(t *testing.T) {
	llm := &scriptedLLM{replies: [][]models.Content{
		{callTool("c1", "apply_for_card", nil), callTool("c2", "apply_for_loan", nil)},
	}}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)
	_, err := s.Send(context.Background(), "apply")
	require.NoError(t, err)

	_, err = s.SubmitToolResults(context.Background(), []models.ToolResult{{CallID: "c1", Success: true}})
	require.NoError(t, err)

	exchange := llm.requests[1][1]
	last := exchange.Contents[len(exchange.Contents)-1]
	assert.Equal(t, "c2", last.CallToolID)
	assert.True(t, last.CallToolFailed)
}

func TestRunSequentialDispatch(t *testing.T) {
	llm := &scriptedLLM{replies: [][]models.Content{
		{callTool("c1", "initiate_payment", map[string]any{"amount": 10}), callTool("c2", "initiate_payment", nil)},
		{callTool("c3", "get_account_summary", nil)},
		{text("All done.")},
	}}
	exec := &recordingExecutor{fail: map[string]bool{"get_account_summary": true}}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	var emitted []models.Message
	err := s.Run(context.Background(), "pay twice", exec, func(m models.Message) { emitted = append(emitted, m) })

	require.NoError(t, err)
	require.Len(t, exec.calls, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{exec.calls[0].ID, exec.calls[1].ID, exec.calls[2].ID})
	require.Len(t, emitted, 4)
	for _, m := range emitted[:3] {
		assert.Equal(t, models.RoleSystem, m.Role)
	}
	assert.True(t, strings.HasPrefix(emitted[0].Text(), "Hecho: "))
	assert.True(t, strings.HasPrefix(emitted[2].Text(), "No completado: "))
	assert.Equal(t, models.RoleAssistant, emitted[3].Role)
	assert.Equal(t, "All done.", emitted[3].Text())
}

func TestRunSkipsSilentFinalTurn(t *testing.T) {
	tests := []struct {
		name  string
		final []models.Content
	}{
		{name: "no content", final: nil},
		{name: "whitespace", final: []models.Content{text("  \n")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{replies: [][]models.Content{
				{callTool("c1", "get_account_summary", nil)},
				tt.final,
			}}
			s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

			var emitted []models.Message
			err := s.Run(context.Background(), "summary please", &recordingExecutor{},
				func(m models.Message) { emitted = append(emitted, m) })

			require.NoError(t, err)
			require.Len(t, emitted, 1)
			assert.Equal(t, models.RoleSystem, emitted[0].Role)
		})
	}
}

func TestRunStopsAfterMaxToolRounds(t *testing.T) {
	var replies [][]models.Content
	for range MaxToolRounds + 1 {
		replies = append(replies, []models.Content{callTool("", "get_account_summary", nil)})
	}
	llm := &scriptedLLM{replies: replies}
	exec := &recordingExecutor{}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	err := s.Run(context.Background(), "loop", exec, nil)

	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
	assert.Len(t, exec.calls, MaxToolRounds)
	assert.Equal(t, "Lo siento, no pude completar esa solicitud. Intenta expresarla de otra forma.",
		FallbackMessage("es", err).Text())

	// The session is usable again.
	_, err = s.Send(context.Background(), "hello")
	assert.NoError(t, err)
}

func TestRunProviderErrorAfterTools(t *testing.T) {
	llm := &scriptedLLM{
		replies: [][]models.Content{{callTool("c1", "initiate_payment", nil)}},
		errs:    []error{nil, &models.ProviderError{Provider: "openai", Err: context.DeadlineExceeded}},
	}
	exec := &recordingExecutor{}
	s := NewSession("chat-1", testProfile(), llm, nil, nil, quietLogger)

	var emitted []models.Message
	err := s.Run(context.Background(), "pay", exec, func(m models.Message) { emitted = append(emitted, m) })

	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, emitted, 1)
	assert.Equal(t, models.RoleSystem, FallbackMessage("en", err).Role)

	// The executed call keeps its result, so the next turn is consistent.
	history := s.History()
	last := history[len(history)-1]
	assert.Equal(t, models.ContentTypeToolResult, last.Contents[len(last.Contents)-1].Type)
	_, err = s.Send(context.Background(), "again")
	assert.NoError(t, err)
}

func TestNewSessionDropsSystemMessages(t *testing.T) {
	history := []models.Message{
		models.NewTextMessage("1", models.RoleUser, "hi"),
		models.NewTextMessage("2", models.RoleSystem, "Sorry"),
		models.NewTextMessage("3", models.RoleAssistant, "hello"),
	}
	s := NewSession("chat-1", testProfile(), &scriptedLLM{}, nil, history, quietLogger)

	got := s.History()
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[1].ID)
}

func TestSystemInstruction(t *testing.T) {
	got := SystemInstruction(testProfile())

	assert.Contains(t, got, "Alice Johnson")
	assert.Contains(t, got, "Spanish")
	assert.Contains(t, got, "Maria Lopez (maria@example.com)")
	assert.Contains(t, got, "Gold card ending in 1234")
	assert.Contains(t, got, "Auto loan (id loan-1")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&scriptedLLM{}, nil, quietLogger)
	p := testProfile()

	first := r.Session("chat-1", p, nil)
	same := r.Session("chat-1", p, nil)
	assert.Same(t, first, same)
	assert.True(t, r.IsCurrent("chat-1", first.ID()))

	// Balance changes don't matter; language, user and contacts do.
	p.User.Balance = 999
	assert.Same(t, first, r.Session("chat-1", p, nil))

	changes := []func(*Profile){
		func(p *Profile) { p.Language = "fr" },
		func(p *Profile) { p.User.ID = "bob" },
		func(p *Profile) { p.User.Contacts = append(p.User.Contacts, models.Contact{Name: "Sam"}) },
		func(p *Profile) { p.Cards = nil },
	}
	prev := first
	for _, change := range changes {
		change(&p)
		next := r.Session("chat-1", p, nil)
		assert.NotSame(t, prev, next)
		assert.Greater(t, next.ID(), prev.ID())
		assert.False(t, r.IsCurrent("chat-1", prev.ID()))
		prev = next
	}

	r.Reset("chat-1")
	assert.False(t, r.IsCurrent("chat-1", prev.ID()))
}
