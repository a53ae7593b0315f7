package banking

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
)

// cardIIN is the issuer prefix of every card the bank issues.
const cardIIN = "453201"

// NewCardNumber returns a random 16-digit card number with a valid Luhn check digit.
func NewCardNumber() string {
	var sb strings.Builder
	sb.WriteString(cardIIN)
	for sb.Len() < 15 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			n = big.NewInt(0)
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	partial := sb.String()
	return partial + string(rune('0'+LuhnCheckDigit(partial)))
}

// LuhnCheckDigit computes the digit that makes partial+digit pass the Luhn check.
func LuhnCheckDigit(partial string) int {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		n := int(partial[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return (10 - sum%10) % 10
}

// LuhnValid reports whether number passes the Luhn check.
func LuhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return LuhnCheckDigit(number[:len(number)-1]) == int(number[len(number)-1]-'0')
}

// AmortizedPayment returns the fixed monthly payment that repays principal over months at the given APR (percent).
func AmortizedPayment(principal models.Money, apr float64, months int) models.Money {
	if months <= 0 || principal <= 0 {
		return 0
	}
	r := apr / 100 / 12
	if r == 0 {
		return models.Money(math.Ceil(float64(principal) / float64(months)))
	}
	p := float64(principal) * r / (1 - math.Pow(1+r, -float64(months)))
	return models.Money(math.Ceil(p))
}

func (d *Dispatcher) application(ctx context.Context, userID string, kind ApplicationKind, args arguments,
) (Application, error) {
	app := Application{
		Kind:             kind,
		UserID:           userID,
		EmploymentStatus: args.text("employmentStatus"),
		Purpose:          args.text("purpose"),
		TermMonths:       args.integer("termMonths", 0),
	}
	app.AnnualIncome, _ = args.money("annualIncome")
	app.MonthlyHousing, _ = args.money("monthlyHousingPayment")
	switch kind {
	case ApplicationCard:
		app.Product = args.text("cardType")
	case ApplicationLoan:
		app.Product = args.text("loanType")
		app.Amount, _ = args.money("amount")
	}

	user, err := d.store.User(ctx, userID)
	if err != nil {
		return app, fmt.Errorf("failed to load user: %w", err)
	}
	app.Balance = user.Balance

	cards, err := d.store.Cards(ctx, userID)
	if err != nil {
		return app, fmt.Errorf("failed to list cards: %w", err)
	}
	for _, c := range cards {
		app.OutstandingDebt += c.CurrentBalance
		app.MonthlyDebt += c.MinimumPayment
	}
	loans, err := d.store.Loans(ctx, userID)
	if err != nil {
		return app, fmt.Errorf("failed to list loans: %w", err)
	}
	for _, l := range loans {
		if l.Status != models.LoanStatusActive {
			continue
		}
		app.OutstandingDebt += l.RemainingBalance
		app.MonthlyDebt += l.MonthlyPayment
	}
	return app, nil
}

func (d *Dispatcher) decide(ctx context.Context, app Application) (Decision, error) {
	decision, err := d.approval.Decide(ctx, app)
	if err != nil {
		return Decision{}, fmt.Errorf("approval policy failed: %w", err)
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "it did not meet the bank's criteria"
		}
		return decision, failure(ErrApplicationRejected,
			"Unfortunately your %s application was not approved: %s.", app.Kind, reason).
			with("reason", reason)
	}

	terms := StandardTerms(app)
	if decision.CreditLimit <= 0 {
		decision.CreditLimit = terms.CreditLimit
	}
	if decision.APR <= 0 {
		decision.APR = terms.APR
	}
	return decision, nil
}

func (d *Dispatcher) applyForCard(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	app, err := d.application(ctx, userID, ApplicationCard, args)
	if err != nil {
		return models.ToolResult{}, err
	}
	decision, err := d.decide(ctx, app)
	if err != nil {
		return models.ToolResult{}, err
	}

	now := d.now()
	card := models.Card{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        app.Product,
		Number:      d.cardNumber(),
		CreditLimit: decision.CreditLimit,
		DueDate:     now.AddDate(0, 1, 0),
		Status:      models.CardStatusActive,
	}
	if err := d.store.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutCard(card)
	}); err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to issue card: %w", err)
	}

	return succeeded(
		fmt.Sprintf("Your %s card application was approved. The card ending in %s has a credit limit of %s at %.1f%% APR.",
			card.Type, card.Last4(), card.CreditLimit, decision.APR),
		map[string]any{
			"approved":    true,
			"cardId":      card.ID,
			"type":        card.Type,
			"last4":       card.Last4(),
			"creditLimit": card.CreditLimit.Float(),
			"apr":         decision.APR,
		}), nil
}

func (d *Dispatcher) applyForLoan(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	amount, ok := args.money("amount")
	if !ok || amount <= 0 {
		return models.ToolResult{}, failure(ErrInvalidAmount, "The loan amount must be greater than zero.")
	}
	app, err := d.application(ctx, userID, ApplicationLoan, args)
	if err != nil {
		return models.ToolResult{}, err
	}
	decision, err := d.decide(ctx, app)
	if err != nil {
		return models.ToolResult{}, err
	}

	now := d.now()
	loan := models.Loan{
		ID:               uuid.NewString(),
		UserID:           userID,
		Type:             app.Product,
		Principal:        amount,
		RemainingBalance: amount,
		MonthlyPayment:   AmortizedPayment(amount, decision.APR, app.TermMonths),
		InterestRate:     decision.APR,
		TermMonths:       app.TermMonths,
		DueDate:          now.AddDate(0, 1, 0),
		Status:           models.LoanStatusActive,
	}

	var balance models.Money
	err = d.store.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.PutLoan(loan); err != nil {
			return err
		}
		user, err := tx.AdjustBalance(userID, amount)
		if err != nil {
			return err
		}
		balance = user.Balance
		return tx.RecordTransaction(models.Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Kind:        models.TransactionCredit,
			Amount:      amount,
			Description: fmt.Sprintf("%s loan disbursement", loan.Type),
			Category:    "Income",
			Reference:   loan.ID,
			Timestamp:   now,
		})
	})
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to disburse loan: %w", err)
	}

	return succeeded(
		fmt.Sprintf("Your %s loan of %s was approved and deposited into your account. "+
			"You'll pay %s a month for %d months at %.1f%% APR. Your new balance is %s.",
			loan.Type, amount, loan.MonthlyPayment, loan.TermMonths, loan.InterestRate, balance),
		map[string]any{
			"approved":       true,
			"loanId":         loan.ID,
			"type":           loan.Type,
			"amount":         amount.Float(),
			"termMonths":     loan.TermMonths,
			"apr":            loan.InterestRate,
			"monthlyPayment": loan.MonthlyPayment.Float(),
			"firstDueDate":   formatDate(loan.DueDate),
			"newBalance":     balance.Float(),
		}), nil
}
