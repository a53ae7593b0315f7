// Package ledger defines the account service the assistant's tools run against. Reads happen directly on a
// Store; every mutation happens inside Store.Update so that a tool's ledger entries either all land or none do.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a user, card or loan does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOverdraft is returned by Tx.AdjustBalance when the resulting balance would be negative.
	ErrOverdraft = errors.New("balance would become negative")
)

// Store is the account service.
type Store interface {
	Users(ctx context.Context) ([]models.User, error)
	User(ctx context.Context, userID string) (models.User, error)
	Cards(ctx context.Context, userID string) ([]models.Card, error)
	Loans(ctx context.Context, userID string) ([]models.Loan, error)
	// Transactions returns the user's transactions, newest first.
	Transactions(ctx context.Context, userID string) ([]models.Transaction, error)

	// Update runs fn in a single atomic unit. If fn returns an error nothing it did is persisted.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the mutation surface available inside Store.Update.
type Tx interface {
	User(userID string) (models.User, error)
	Card(userID, cardID string) (models.Card, error)
	Loan(userID, loanID string) (models.Loan, error)

	AdjustBalance(userID string, delta models.Money) (models.User, error)
	RecordTransaction(t models.Transaction) error
	PutCard(card models.Card) error
	PutLoan(loan models.Loan) error
	UpdateDueDate(accountType AccountType, userID, accountID string, due time.Time) error
	SetLoanStatus(userID, loanID string, status models.LoanStatus) error
}

// AccountType distinguishes the two kinds of credit accounts a payment can target.
type AccountType string

const (
	AccountCard AccountType = "card"
	AccountLoan AccountType = "loan"
)

// TransferRequest describes a dual-entry movement between two users.
type TransferRequest struct {
	FromUserID string
	ToUserID   string
	Amount     models.Money
	// DebitDescription and CreditDescription label the two entries; both entries carry the same Reference.
	DebitDescription  string
	CreditDescription string
	Category          string
	At                time.Time
}

// TransferResult is what Transfer committed.
type TransferResult struct {
	Reference string
	Debit     models.Transaction
	Credit    models.Transaction
	From      models.User
	To        models.User
}

// Transfer debits the sender, credits the recipient and records both ledger entries in one atomic unit.
func Transfer(ctx context.Context, s Store, req TransferRequest) (TransferResult, error) {
	if req.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("transfer amount must be positive, got %s", req.Amount)
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	ref := uuid.NewString()
	res := TransferResult{
		Reference: ref,
		Debit: models.Transaction{
			ID:          uuid.NewString(),
			UserID:      req.FromUserID,
			Kind:        models.TransactionDebit,
			Amount:      req.Amount,
			Description: req.DebitDescription,
			Category:    req.Category,
			Reference:   ref,
			Timestamp:   req.At,
		},
		Credit: models.Transaction{
			ID:          uuid.NewString(),
			UserID:      req.ToUserID,
			Kind:        models.TransactionCredit,
			Amount:      req.Amount,
			Description: req.CreditDescription,
			Category:    req.Category,
			Reference:   ref,
			Timestamp:   req.At,
		},
	}

	err := s.Update(ctx, func(tx Tx) error {
		from, err := tx.AdjustBalance(req.FromUserID, -req.Amount)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", req.FromUserID, err)
		}
		to, err := tx.AdjustBalance(req.ToUserID, req.Amount)
		if err != nil {
			return fmt.Errorf("failed to credit %s: %w", req.ToUserID, err)
		}
		if err := tx.RecordTransaction(res.Debit); err != nil {
			return fmt.Errorf("failed to record debit: %w", err)
		}
		if err := tx.RecordTransaction(res.Credit); err != nil {
			return fmt.Errorf("failed to record credit: %w", err)
		}
		res.From, res.To = from, to
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return res, nil
}
