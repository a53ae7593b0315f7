package services

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// SeedStore is a ledger.Store that accepts new account holders.
type SeedStore interface {
	ledger.Store
	PutUser(ctx context.Context, u models.User) error
}

// Seed is the demo data file. Amounts are in dollars; dates are relative to the time of loading so the demo
// always has upcoming due dates and recent spending.
type Seed struct {
	Users []SeedUser `yaml:"users"`
}

// SeedUser is one account holder with everything they own.
type SeedUser struct {
	ID            string        `yaml:"id"`
	DisplayName   string        `yaml:"displayName"`
	Email         string        `yaml:"email"`
	Phone         string        `yaml:"phone"`
	AccountNumber string        `yaml:"accountNumber"`
	Balance       float64       `yaml:"balance"`
	Contacts      []SeedContact `yaml:"contacts"`

	Cards        []SeedCard        `yaml:"cards"`
	Loans        []SeedLoan        `yaml:"loans"`
	Transactions []SeedTransaction `yaml:"transactions"`
}

// SeedContact is a payee of a SeedUser.
type SeedContact struct {
	Name          string `yaml:"name"`
	Email         string `yaml:"email"`
	Phone         string `yaml:"phone"`
	AccountNumber string `yaml:"accountNumber"`
}

// SeedCard is a card of a SeedUser.
type SeedCard struct {
	ID               string  `yaml:"id"`
	Type             string  `yaml:"type"`
	Number           string  `yaml:"number"`
	CreditLimit      float64 `yaml:"creditLimit"`
	CurrentBalance   float64 `yaml:"currentBalance"`
	StatementBalance float64 `yaml:"statementBalance"`
	MinimumPayment   float64 `yaml:"minimumPayment"`
	DueInDays        int     `yaml:"dueInDays"`
}

// SeedLoan is a loan of a SeedUser.
type SeedLoan struct {
	ID               string  `yaml:"id"`
	Type             string  `yaml:"type"`
	Principal        float64 `yaml:"principal"`
	RemainingBalance float64 `yaml:"remainingBalance"`
	MonthlyPayment   float64 `yaml:"monthlyPayment"`
	InterestRate     float64 `yaml:"interestRate"`
	TermMonths       int     `yaml:"termMonths"`
	DueInDays        int     `yaml:"dueInDays"`
}

// SeedTransaction is a past ledger entry of a SeedUser.
type SeedTransaction struct {
	Kind        models.TransactionKind `yaml:"kind"`
	Amount      float64                `yaml:"amount"`
	Description string                 `yaml:"description"`
	Category    string                 `yaml:"category"`
	DaysAgo     int                    `yaml:"daysAgo"`
}

// DecodeSeed reads a seed file. A nil reader yields the built-in demo data.
func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	var err error
	if r == nil {
		err = yaml.Unmarshal(defaultSeed, &s)
	} else {
		err = yaml.NewDecoder(r).Decode(&s)
	}
	if err != nil {
		return Seed{}, fmt.Errorf("failed to decode seed: %w", err)
	}
	return s, nil
}

// LoadSeed writes the seed into store when the store has no users yet. It reports whether anything was written.
func LoadSeed(ctx context.Context, store SeedStore, seed Seed, now time.Time, logger *slog.Logger) (bool, error) {
	existing, err := store.Users(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list users: %w", err)
	}
	if len(existing) > 0 {
		logger.Debug("Store already has users, skipping seed", slog.Int("users", len(existing)))
		return false, nil
	}

	for _, su := range seed.Users {
		if su.ID == "" {
			return false, fmt.Errorf("seed user %q has no id", su.DisplayName)
		}
		u := models.User{
			ID:            su.ID,
			DisplayName:   su.DisplayName,
			Email:         su.Email,
			Phone:         su.Phone,
			AccountNumber: su.AccountNumber,
			Balance:       models.MoneyFromFloat(su.Balance),
		}
		for _, c := range su.Contacts {
			u.Contacts = append(u.Contacts, models.Contact(c))
		}
		if err := store.PutUser(ctx, u); err != nil {
			return false, fmt.Errorf("failed to put user %s: %w", su.ID, err)
		}
		if err := store.Update(ctx, func(tx ledger.Tx) error {
			return seedAccounts(tx, su, now)
		}); err != nil {
			return false, fmt.Errorf("failed to seed accounts of %s: %w", su.ID, err)
		}
	}

	logger.Info("Seeded store", slog.Int("users", len(seed.Users)))
	return true, nil
}

func seedAccounts(tx ledger.Tx, su SeedUser, now time.Time) error {
	for _, sc := range su.Cards {
		card := models.Card{
			ID:               sc.ID,
			UserID:           su.ID,
			Type:             sc.Type,
			Number:           sc.Number,
			CreditLimit:      models.MoneyFromFloat(sc.CreditLimit),
			CurrentBalance:   models.MoneyFromFloat(sc.CurrentBalance),
			StatementBalance: models.MoneyFromFloat(sc.StatementBalance),
			MinimumPayment:   models.MoneyFromFloat(sc.MinimumPayment),
			DueDate:          now.AddDate(0, 0, sc.DueInDays),
			Status:           models.CardStatusActive,
		}
		if err := tx.PutCard(card); err != nil {
			return err
		}
	}
	for _, sl := range su.Loans {
		status := models.LoanStatusActive
		if sl.RemainingBalance <= 0 {
			status = models.LoanStatusPaidOff
		}
		loan := models.Loan{
			ID:               sl.ID,
			UserID:           su.ID,
			Type:             sl.Type,
			Principal:        models.MoneyFromFloat(sl.Principal),
			RemainingBalance: models.MoneyFromFloat(sl.RemainingBalance),
			MonthlyPayment:   models.MoneyFromFloat(sl.MonthlyPayment),
			InterestRate:     sl.InterestRate,
			TermMonths:       sl.TermMonths,
			DueDate:          now.AddDate(0, 0, sl.DueInDays),
			Status:           status,
		}
		if err := tx.PutLoan(loan); err != nil {
			return err
		}
	}
	// Oldest first so the store's newest-first order matches the seed's intent.
	txs := su.Transactions
	for i := len(txs) - 1; i >= 0; i-- {
		st := txs[i]
		kind := st.Kind
		if kind == "" {
			kind = models.TransactionDebit
		}
		err := tx.RecordTransaction(models.Transaction{
			ID:          uuid.NewString(),
			UserID:      su.ID,
			Kind:        kind,
			Amount:      models.MoneyFromFloat(st.Amount),
			Description: st.Description,
			Category:    st.Category,
			Timestamp:   now.AddDate(0, 0, -st.DaysAgo),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
