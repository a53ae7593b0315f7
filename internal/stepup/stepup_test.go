package stepup_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type countingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *countingDispatcher) Dispatch(_ context.Context, _ string, call models.ToolCall) models.ToolResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call.Name)
	return models.ToolResult{CallID: call.ID, Name: call.Name, Success: true, Message: "done", Payload: map[string]any{}}
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingObserver struct {
	mu     sync.Mutex
	states []stepup.State
}

func (o *recordingObserver) ObserveChallenge(_ string, state stepup.State, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func paymentCall() models.ToolCall {
	return models.ToolCall{
		ID:        "call-7",
		Name:      banking.ToolInitiatePayment,
		Arguments: map[string]any{"recipient": "Bob", "amount": 100.0},
	}
}

func TestSensitiveActionsCoverMutatingTools(t *testing.T) {
	got := stepup.SensitiveActions()
	want := banking.MutatingTools()
	slices.Sort(got)
	slices.Sort(want)

	assert.Equal(t, want, got)
	for _, tool := range banking.Tools() {
		assert.Equal(t, slices.Contains(want, tool.Name), stepup.IsSensitive(tool.Name), tool.Name)
	}
}

func TestGate(t *testing.T) {
	tests := []struct {
		name         string
		auth         stepup.AuthenticatorFunc
		call         models.ToolCall
		wantExecuted bool
		wantState    stepup.State
	}{
		{
			name:         "verified",
			auth:         func(context.Context, stepup.Challenge) (bool, error) { return true, nil },
			call:         paymentCall(),
			wantExecuted: true,
			wantState:    stepup.StateVerified,
		},
		{
			name:      "declined",
			auth:      func(context.Context, stepup.Challenge) (bool, error) { return false, nil },
			call:      paymentCall(),
			wantState: stepup.StateCancelled,
		},
		{
			name:      "authenticator error",
			auth:      func(context.Context, stepup.Challenge) (bool, error) { return true, errors.New("device lost") },
			call:      paymentCall(),
			wantState: stepup.StateCancelled,
		},
		{
			name: "timeout",
			auth: func(ctx context.Context, _ stepup.Challenge) (bool, error) {
				<-ctx.Done()
				return false, nil
			},
			call:      paymentCall(),
			wantState: stepup.StateCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &countingDispatcher{}
			obs := &recordingObserver{}
			g := stepup.NewGate(next, tt.auth,
				stepup.WithTimeout(20*time.Millisecond), stepup.WithObserver(obs), stepup.WithLogger(quietLogger))

			res := g.Dispatch(context.Background(), "alice", tt.call)

			assert.Equal(t, tt.call.ID, res.CallID)
			assert.Equal(t, tt.call.Name, res.Name)
			assert.Equal(t, []stepup.State{tt.wantState}, obs.states)
			if tt.wantExecuted {
				assert.True(t, res.Success)
				assert.Equal(t, 1, next.count())
				return
			}
			assert.False(t, res.Success)
			assert.Contains(t, res.Message, "cancelled")
			assert.Equal(t, "authentication_cancelled", res.Payload["error"])
			assert.Equal(t, 0, next.count())
		})
	}
}

func TestGateSkipsReadOnlyTools(t *testing.T) {
	next := &countingDispatcher{}
	challenged := false
	g := stepup.NewGate(next, stepup.AuthenticatorFunc(func(context.Context, stepup.Challenge) (bool, error) {
		challenged = true
		return false, nil
	}), stepup.WithLogger(quietLogger))

	res := g.Dispatch(context.Background(), "alice", models.ToolCall{Name: banking.ToolGetAccountSummary})

	assert.True(t, res.Success)
	assert.False(t, challenged)
	assert.Equal(t, 1, next.count())
}

func TestGateChallengesEveryCall(t *testing.T) {
	next := &countingDispatcher{}
	var challenges []stepup.Challenge
	g := stepup.NewGate(next, stepup.AuthenticatorFunc(func(_ context.Context, ch stepup.Challenge) (bool, error) {
		challenges = append(challenges, ch)
		return len(challenges) == 1, nil
	}), stepup.WithLogger(quietLogger))

	first := g.Dispatch(context.Background(), "alice", paymentCall())
	second := g.Dispatch(context.Background(), "alice", paymentCall())

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	require.Len(t, challenges, 2)
	assert.NotEqual(t, challenges[0].ID, challenges[1].ID)
	assert.Equal(t, "Send $100.00 to Bob", challenges[0].Summary)
	assert.Equal(t, 1, next.count())
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		call models.ToolCall
		want string
	}{
		{
			call: models.ToolCall{Name: banking.ToolMakeAccountPayment, Arguments: map[string]any{
				"accountId": "1234", "accountType": "card", "paymentType": "custom", "amount": 42.5,
			}},
			want: "Pay $42.50 toward card 1234",
		},
		{
			call: models.ToolCall{Name: banking.ToolMakeAccountPayment, Arguments: map[string]any{
				"accountId": "loan-1", "accountType": "loan", "paymentType": "minimum",
			}},
			want: "Make the minimum payment on loan loan-1",
		},
		{
			call: models.ToolCall{Name: banking.ToolApplyForLoan, Arguments: map[string]any{
				"loanType": "auto", "amount": 15000.0,
			}},
			want: "Apply for a $15000.00 auto loan",
		},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, stepup.Describe(tt.call))
		})
	}
}

func TestPINAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("4821"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name  string
		hash  []byte
		input string
		want  bool
	}{
		{name: "correct", hash: hash, input: "4821\n", want: true},
		{name: "wrong", hash: hash, input: "1111\n"},
		{name: "empty declines", hash: hash, input: "\n"},
		{name: "nothing enrolled", input: "4821\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			a := stepup.PINAuthenticator{Hash: tt.hash, Prompt: stepup.LinePrompt(strings.NewReader(tt.input), &out)}

			ok, err := a.Authenticate(context.Background(), stepup.Challenge{Summary: "Send $5.00 to Bob"})

			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if tt.hash != nil {
				assert.Contains(t, out.String(), "Send $5.00 to Bob")
			}
		})
	}
}

type memoryUsers map[string]models.User

func (m memoryUsers) User(_ context.Context, userID string) (models.User, error) {
	u, ok := m[userID]
	if !ok {
		return models.User{}, errors.New("not found")
	}
	return u, nil
}

type memoryCredentials struct {
	mu    sync.Mutex
	creds map[string][]webauthn.Credential
}

func (m *memoryCredentials) Credentials(_ context.Context, userID string) ([]webauthn.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[userID], nil
}

func (m *memoryCredentials) PutCredential(_ context.Context, userID string, cred webauthn.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[userID] = append(m.creds[userID], cred)
	return nil
}

type channelNotifier struct {
	opened chan stepup.PendingChallenge
	closed chan stepup.State
}

func (n channelNotifier) ChallengeOpened(_ context.Context, p stepup.PendingChallenge) error {
	n.opened <- p
	return nil
}

func (n channelNotifier) ChallengeClosed(_, _ string, state stepup.State) {
	n.closed <- state
}

func newBroker(t *testing.T, enrolled bool) (*stepup.Broker, channelNotifier) {
	t.Helper()
	creds := &memoryCredentials{creds: map[string][]webauthn.Credential{}}
	if enrolled {
		creds.creds["alice"] = []webauthn.Credential{{ID: []byte("credential-1"), PublicKey: []byte("key")}}
	}
	n := channelNotifier{opened: make(chan stepup.PendingChallenge, 1), closed: make(chan stepup.State, 1)}
	b, err := stepup.NewBroker(stepup.BrokerConfig{
		RPID:          "localhost",
		RPDisplayName: "Bank Assistant",
		RPOrigins:     []string{"http://localhost:8080"},
	}, memoryUsers{"alice": {ID: "alice", DisplayName: "Alice", Email: "alice@example.com"}}, creds, n, quietLogger)
	require.NoError(t, err)
	return b, n
}

func TestBrokerWithoutCredentialCancels(t *testing.T) {
	b, n := newBroker(t, false)

	ok, err := b.Authenticate(context.Background(), stepup.Challenge{ID: "ch-1", UserID: "alice"})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, n.opened)
}

func TestBrokerDecline(t *testing.T) {
	b, n := newBroker(t, true)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := b.Authenticate(context.Background(), stepup.Challenge{ID: "ch-2", UserID: "alice", Summary: "Pay"})
		done <- result{ok, err}
	}()

	p := <-n.opened
	assert.Equal(t, "ch-2", p.ID)
	require.NotNil(t, p.Options)
	assert.Len(t, b.Pending("alice"), 1)
	assert.ErrorIs(t, b.Decline("mallory", "ch-2"), stepup.ErrUnknownChallenge)
	require.NoError(t, b.Decline("alice", "ch-2"))

	r := <-done
	require.NoError(t, r.err)
	assert.False(t, r.ok)
	assert.Equal(t, stepup.StateCancelled, <-n.closed)
	assert.Empty(t, b.Pending("alice"))
}

func TestBrokerTimeout(t *testing.T) {
	b, n := newBroker(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ok, err := b.Authenticate(ctx, stepup.Challenge{ID: "ch-3", UserID: "alice"})

	require.NoError(t, err)
	assert.False(t, ok)
	<-n.opened
	assert.Equal(t, stepup.StateCancelled, <-n.closed)
	assert.ErrorIs(t, b.Decline("alice", "ch-3"), stepup.ErrUnknownChallenge)
}
