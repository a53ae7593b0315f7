package banking

import (
	"errors"
	"fmt"
)

// Business-rule failures. They never escape Dispatch: each one becomes a failed ToolResult whose payload carries
// the matching code, so both the user and the model can react to it.
var (
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrSelfTransferRejected = errors.New("cannot transfer money to yourself")
	ErrCardNotFound         = errors.New("card not found")
	ErrLoanNotFound         = errors.New("loan not found")
	ErrApplicationRejected  = errors.New("application rejected")
	ErrExtensionDenied      = errors.New("extension denied")
	ErrNothingDue           = errors.New("no outstanding balance")
	ErrInvalidArguments     = errors.New("invalid arguments")
	ErrUnknownTool          = errors.New("unknown tool")
)

var errorCodes = map[error]string{
	ErrRecipientNotFound:    "recipient_not_found",
	ErrInvalidAmount:        "invalid_amount",
	ErrInsufficientFunds:    "insufficient_funds",
	ErrSelfTransferRejected: "self_transfer_rejected",
	ErrCardNotFound:         "card_not_found",
	ErrLoanNotFound:         "loan_not_found",
	ErrApplicationRejected:  "application_rejected",
	ErrExtensionDenied:      "extension_denied",
	ErrNothingDue:           "nothing_due",
	ErrInvalidArguments:     "invalid_arguments",
	ErrUnknownTool:          "unknown_tool",
}

// ErrorCode returns the machine-readable code of a business error, or "" when err is not one.
func ErrorCode(err error) string {
	for target, code := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return ""
}

// Failure is a business error with the sentence shown to the user and the model, plus optional figures that
// explain it (for example the available balance on ErrInsufficientFunds).
type Failure struct {
	Err     error
	Message string
	Details map[string]any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%v: %s", f.Err, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func failure(target error, format string, args ...any) *Failure {
	return &Failure{Err: target, Message: fmt.Sprintf(format, args...)}
}

func (f *Failure) with(key string, value any) *Failure {
	if f.Details == nil {
		f.Details = map[string]any{}
	}
	f.Details[key] = value
	return f
}
