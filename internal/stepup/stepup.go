// Package stepup guards sensitive tool calls behind a per-call identity challenge. A call whose challenge is not
// verified is never executed; the model receives a failed result saying the user cancelled instead.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
)

// ErrAuthenticationCancelled is the failure reported when a challenge is declined, times out or cannot be
// presented because no credential is enrolled.
var ErrAuthenticationCancelled = errors.New("authentication cancelled")

// DefaultTimeout bounds how long a challenge waits for the user.
const DefaultTimeout = 60 * time.Second

const errLoggerKey = "err"

var sensitiveActions = map[string]struct{}{
	banking.ToolInitiatePayment:         {},
	banking.ToolMakeAccountPayment:      {},
	banking.ToolApplyForCard:            {},
	banking.ToolApplyForLoan:            {},
	banking.ToolRequestPaymentExtension: {},
}

// IsSensitive reports whether the named operation requires a verified challenge.
func IsSensitive(name string) bool {
	_, ok := sensitiveActions[name]
	return ok
}

// SensitiveActions returns the names of the guarded operations.
func SensitiveActions() []string {
	names := make([]string, 0, len(sensitiveActions))
	for name := range sensitiveActions {
		names = append(names, name)
	}
	return names
}

// State is the state of one challenge. Every sensitive call starts a fresh challenge in StateUnchallenged.
type State string

const (
	StateUnchallenged State = "unchallenged"
	StateVerified     State = "verified"
	StateCancelled    State = "cancelled"
)

// Challenge describes the action the user is asked to confirm.
type Challenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// Authenticator presents a challenge to the user. It returns true only when the user proved their identity.
// Returning false or an error both cancel the call; ctx carries the challenge deadline.
type Authenticator interface {
	Authenticate(ctx context.Context, ch Challenge) (bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, ch Challenge) (bool, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, ch Challenge) (bool, error) {
	return f(ctx, ch)
}

// Dispatcher executes tool calls. *banking.Dispatcher implements it, and so does Gate.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult
}

// Observer is notified of every challenge outcome.
type Observer interface {
	ObserveChallenge(action string, state State, elapsed time.Duration)
}

// Gate wraps a Dispatcher and challenges every sensitive call before passing it on.
type Gate struct {
	next     Dispatcher
	auth     Authenticator
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) GateOption {
	return func(g *Gate) { g.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate returns a Gate in front of next.
func NewGate(next Dispatcher, auth Authenticator, opts ...GateOption) *Gate {
	g := &Gate{
		next:    next,
		auth:    auth,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("module", "stepup"))
	return g
}

// Dispatch runs call through the challenge when it is sensitive. A cancelled challenge yields exactly one failed
// result and the wrapped Dispatcher is not called.
func (g *Gate) Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult {
	if !IsSensitive(call.Name) {
		return g.next.Dispatch(ctx, userID, call)
	}

	ch := Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    call.Name,
		Summary:   Describe(call),
		CreatedAt: time.Now(),
	}
	state := g.challenge(ctx, ch)
	if state != StateVerified {
		return cancelledResult(call)
	}
	return g.next.Dispatch(ctx, userID, call)
}

func (g *Gate) challenge(ctx context.Context, ch Challenge) State {
	logger := g.logger.With(slog.String("challengeID", ch.ID), slog.String("action", ch.Action))
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	state := StateCancelled
	ok, err := g.auth.Authenticate(ctx, ch)
	switch {
	case err != nil:
		logger.Warn("Challenge failed", slog.String(errLoggerKey, err.Error()))
	case ok:
		state = StateVerified
	case ctx.Err() != nil:
		logger.Info("Challenge timed out")
	default:
		logger.Info("Challenge declined")
	}
	if state == StateVerified {
		logger.Info("Challenge verified")
	}
	if g.observer != nil {
		g.observer.ObserveChallenge(ch.Action, state, time.Since(start))
	}
	return state
}

func cancelledResult(call models.ToolCall) models.ToolResult {
	return models.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Success: false,
		Message: "The user cancelled the verification, so this request was not carried out. " +
			"Let them know nothing was changed and that they can ask again if they still want it.",
		Payload: map[string]any{
			"error":     "authentication_cancelled",
			"cancelled": true,
		},
	}
}

// Describe returns a one-line summary of a sensitive call, shown next to the challenge.
func Describe(call models.ToolCall) string {
	str := func(key string) string {
		s, _ := call.Arguments[key].(string)
		return s
	}
	num := func(key string) string {
		if f, ok := call.Arguments[key].(float64); ok {
			return models.MoneyFromFloat(f).String()
		}
		return "an amount"
	}

	switch call.Name {
	case banking.ToolInitiatePayment:
		return fmt.Sprintf("Send %s to %s", num("amount"), str("recipient"))
	case banking.ToolMakeAccountPayment:
		if str("paymentType") == "custom" {
			return fmt.Sprintf("Pay %s toward %s %s", num("amount"), str("accountType"), str("accountId"))
		}
		return fmt.Sprintf("Make the %s payment on %s %s", str("paymentType"), str("accountType"), str("accountId"))
	case banking.ToolApplyForCard:
		return fmt.Sprintf("Apply for a %s credit card", str("cardType"))
	case banking.ToolApplyForLoan:
		return fmt.Sprintf("Apply for a %s %s loan", num("amount"), str("loanType"))
	case banking.ToolRequestPaymentExtension:
		return fmt.Sprintf("Extend the due date of %s %s", str("accountType"), str("accountId"))
	}
	return call.Name
}
