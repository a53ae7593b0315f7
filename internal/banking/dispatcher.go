// Package banking executes the operations an AI model asks for against the account ledger. Every operation is an
// entry of a dispatch table keyed by tool name; arguments are validated against the tool's JSON schema before the
// operation runs, and every outcome, including business failures, comes back as a ToolResult carrying both a
// sentence for people and a payload for the model.
package banking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/xeipuuv/gojsonschema"
)

// Observer is notified of every dispatch. It is how metrics are collected.
type Observer interface {
	ObserveDispatch(tool string, outcome string, elapsed time.Duration)
}

// Dispatcher maps tool calls to ledger operations.
type Dispatcher struct {
	store      ledger.Store
	approval   ApprovalPolicy
	extension  ExtensionPolicy
	categorize Categorizer
	observer   Observer
	now        func() time.Time
	cardNumber func() string

	ops    map[string]operation
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

type operation struct {
	schema *gojsonschema.Schema
	run    func(ctx context.Context, userID string, args arguments) (models.ToolResult, error)
}

const (
	errLoggerKey = "err"

	// ExtensionDays is how far a granted payment extension moves a due date.
	ExtensionDays = 14

	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeError   = "error"
)

// WithApprovalPolicy sets the policy for card and loan applications. The default is AffordabilityPolicy.
func WithApprovalPolicy(p ApprovalPolicy) Option {
	return func(d *Dispatcher) { d.approval = p }
}

// WithExtensionPolicy sets the policy for payment extensions. The default grants every request.
func WithExtensionPolicy(p ExtensionPolicy) Option {
	return func(d *Dispatcher) { d.extension = p }
}

// WithCategorizer sets the categorizer used by the spending analysis. The default is KeywordCategorizer.
func WithCategorizer(c Categorizer) Option {
	return func(d *Dispatcher) { d.categorize = c }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithCardNumbers overrides the generator of new card numbers.
func WithCardNumbers(gen func() string) Option {
	return func(d *Dispatcher) { d.cardNumber = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher builds the dispatch table and compiles every tool schema. It fails if a schema doesn't compile or
// a tool in the schema has no operation, so a tool can never be advertised without being executable.
func NewDispatcher(store ledger.Store, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		store:      store,
		approval:   DefaultAffordabilityPolicy(),
		extension:  StaticPolicy{Approve: true},
		categorize: KeywordCategorizer{},
		now:        time.Now,
		cardNumber: NewCardNumber,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("module", "banking"))

	runs := map[string]func(context.Context, string, arguments) (models.ToolResult, error){
		ToolInitiatePayment:         d.initiatePayment,
		ToolMakeAccountPayment:      d.makeAccountPayment,
		ToolRequestPaymentExtension: d.requestPaymentExtension,
		ToolApplyForCard:            d.applyForCard,
		ToolApplyForLoan:            d.applyForLoan,
		ToolGetCardStatementDetails: d.cardStatementDetails,
		ToolGetSpendingAnalysis:     d.spendingAnalysis,
		ToolGetAccountSummary:       d.accountSummary,
		ToolGetRecentTransactions:   d.recentTransactions,
		ToolGetLoanDetails:          d.loanDetails,
	}

	d.ops = make(map[string]operation, len(toolDefs))
	for _, def := range toolDefs {
		run, ok := runs[def.name]
		if !ok {
			return nil, fmt.Errorf("tool %s has no operation", def.name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.schema))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema of %s: %w", def.name, err)
		}
		d.ops[def.name] = operation{schema: schema, run: run}
	}
	if len(d.ops) != len(runs) {
		return nil, fmt.Errorf("%d operations registered for %d tools", len(runs), len(d.ops))
	}

	d.logger.Debug("Dispatcher ready", slog.String("schemaVersion", SchemaVersion), slog.Int("tools", len(d.ops)))
	return d, nil
}

// Dispatch executes one tool call for the user. It never returns an error: business failures become failed
// results with an "error" code in the payload, infrastructure failures become a generic failed result and are
// logged.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult {
	start := d.now()
	res := d.dispatch(ctx, userID, call)
	res.CallID = call.ID
	res.Name = call.Name

	if d.observer != nil {
		outcome := outcomeSuccess
		if !res.Success {
			outcome = outcomeFailure
			if res.Payload["error"] == internalErrorCode {
				outcome = outcomeError
			}
		}
		d.observer.ObserveDispatch(call.Name, outcome, d.now().Sub(start))
	}
	return res
}

const internalErrorCode = "internal_error"

func (d *Dispatcher) dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult {
	logger := d.logger.With(slog.String("tool", call.Name), slog.String("userID", userID))

	op, ok := d.ops[call.Name]
	if !ok {
		return failed(failure(ErrUnknownTool, "The operation %q is not available.", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(op.schema, args); err != nil {
		logger.Warn("Rejected tool arguments", slog.String(errLoggerKey, err.Error()))
		return failed(err)
	}

	res, err := op.run(ctx, userID, arguments(args))
	if err == nil {
		logger.Info("Tool executed", slog.Bool("success", res.Success))
		return res
	}

	var f *Failure
	if errors.As(err, &f) {
		logger.Info("Tool failed", slog.String("code", ErrorCode(f)), slog.String("reason", f.Message))
		return failed(f)
	}
	logger.Error("Tool execution error", slog.String(errLoggerKey, err.Error()))
	return models.ToolResult{
		Success: false,
		Message: "Something went wrong on our side and the operation was not completed. Please try again later.",
		Payload: map[string]any{"error": internalErrorCode},
	}
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return failure(ErrInvalidArguments, "The request could not be read: %v.", err)
	}
	if result.Valid() {
		return nil
	}
	f := failure(ErrInvalidArguments, "Some details of the request are missing or invalid.")
	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return f.with("problems", problems)
}

func failed(err error) models.ToolResult {
	var f *Failure
	if !errors.As(err, &f) {
		f = &Failure{Err: err, Message: err.Error()}
	}
	payload := map[string]any{"error": ErrorCode(f)}
	for k, v := range f.Details {
		payload[k] = v
	}
	return models.ToolResult{Success: false, Message: f.Message, Payload: payload}
}

func succeeded(message string, payload map[string]any) models.ToolResult {
	if payload == nil {
		payload = map[string]any{}
	}
	return models.ToolResult{Success: true, Message: message, Payload: payload}
}
