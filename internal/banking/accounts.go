package banking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func cardPayload(c models.Card) map[string]any {
	return map[string]any{
		"cardId":           c.ID,
		"type":             c.Type,
		"last4":            c.Last4(),
		"creditLimit":      c.CreditLimit.Float(),
		"currentBalance":   c.CurrentBalance.Float(),
		"availableCredit":  max(0, c.CreditLimit-c.CurrentBalance).Float(),
		"statementBalance": c.StatementBalance.Float(),
		"minimumPayment":   c.MinimumPayment.Float(),
		"dueDate":          formatDate(c.DueDate),
		"status":           string(c.Status),
	}
}

func loanPayload(l models.Loan) map[string]any {
	return map[string]any{
		"loanId":           l.ID,
		"type":             l.Type,
		"principal":        l.Principal.Float(),
		"remainingBalance": l.RemainingBalance.Float(),
		"monthlyPayment":   l.MonthlyPayment.Float(),
		"interestRate":     l.InterestRate,
		"termMonths":       l.TermMonths,
		"dueDate":          formatDate(l.DueDate),
		"status":           string(l.Status),
	}
}

func transactionPayload(t models.Transaction) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"kind":        string(t.Kind),
		"amount":      t.Amount.Float(),
		"description": t.Description,
		"category":    t.Category,
		"date":        formatDate(t.Timestamp),
	}
}

func (d *Dispatcher) cardStatementDetails(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	card, err := d.findCard(ctx, userID, args.text("cardLast4"))
	if err != nil {
		return models.ToolResult{}, err
	}
	msg := fmt.Sprintf("Your %s card ending in %s has a statement balance of %s with a minimum payment of %s",
		card.Type, card.Last4(), card.StatementBalance, card.MinimumPayment)
	if !card.DueDate.IsZero() {
		msg += " due " + card.DueDate.Format("January 2")
	}
	msg += fmt.Sprintf(". Current balance is %s of a %s limit.", card.CurrentBalance, card.CreditLimit)
	return succeeded(msg, cardPayload(card)), nil
}

func (d *Dispatcher) accountSummary(ctx context.Context, userID string, _ arguments) (models.ToolResult, error) {
	user, err := d.store.User(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to load user: %w", err)
	}
	cards, err := d.store.Cards(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to list cards: %w", err)
	}
	loans, err := d.store.Loans(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to list loans: %w", err)
	}

	cardItems := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		cardItems = append(cardItems, cardPayload(c))
	}
	loanItems := make([]map[string]any, 0, len(loans))
	active := 0
	for _, l := range loans {
		loanItems = append(loanItems, loanPayload(l))
		if l.Status == models.LoanStatusActive {
			active++
		}
	}

	msg := fmt.Sprintf("Your checking balance is %s. You have %d card(s) and %d active loan(s).",
		user.Balance, len(cards), active)
	return succeeded(msg, map[string]any{
		"balance":       user.Balance.Float(),
		"accountNumber": maskAccount(user.AccountNumber),
		"cards":         cardItems,
		"loans":         loanItems,
	}), nil
}

const defaultTransactionLimit = 10

func (d *Dispatcher) recentTransactions(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	limit := args.integer("limit", defaultTransactionLimit)
	txs, err := d.store.Transactions(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	if len(txs) > limit {
		txs = txs[:limit]
	}

	items := make([]map[string]any, 0, len(txs))
	var lines []string
	for _, t := range txs {
		items = append(items, transactionPayload(t))
		sign := "-"
		if t.Kind == models.TransactionCredit {
			sign = "+"
		}
		lines = append(lines, fmt.Sprintf("%s %s%s %s", formatDate(t.Timestamp), sign, t.Amount, t.Description))
	}

	msg := "You have no transactions yet."
	if len(txs) > 0 {
		msg = fmt.Sprintf("Your last %d transaction(s):\n%s", len(txs), strings.Join(lines, "\n"))
	}
	return succeeded(msg, map[string]any{"transactions": items, "count": len(items)}), nil
}

func (d *Dispatcher) loanDetails(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	loan, err := d.findLoan(ctx, userID, args.text("loanId"))
	if err != nil {
		return models.ToolResult{}, err
	}
	var msg string
	if loan.Status == models.LoanStatusPaidOff {
		msg = fmt.Sprintf("Your %s loan is paid off.", loan.Type)
	} else {
		msg = fmt.Sprintf("Your %s loan has %s remaining at %.2f%% APR. The monthly payment of %s is due %s.",
			loan.Type, loan.RemainingBalance, loan.InterestRate, loan.MonthlyPayment, formatDate(loan.DueDate))
	}
	return succeeded(msg, loanPayload(loan)), nil
}

func (d *Dispatcher) requestPaymentExtension(ctx context.Context, userID string, args arguments,
) (models.ToolResult, error) {
	acct, err := d.findAccount(ctx, userID, ledger.AccountType(args.text("accountType")), args.text("accountId"))
	if err != nil {
		return models.ToolResult{}, err
	}

	decision, err := d.extension.AllowExtension(ctx, ExtensionRequest{
		UserID:      userID,
		AccountType: acct.typ,
		AccountID:   acct.id,
		DueDate:     acct.due,
		AmountDue:   acct.owed,
	})
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("extension policy failed: %w", err)
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "the bank could not grant it at this time"
		}
		return models.ToolResult{}, failure(ErrExtensionDenied,
			"The extension for your %s was declined: %s.", acct.label, reason).with("reason", reason)
	}

	base := acct.due
	if base.IsZero() {
		base = d.now()
	}
	newDue := base.AddDate(0, 0, ExtensionDays)
	err = d.store.Update(ctx, func(tx ledger.Tx) error {
		return tx.UpdateDueDate(acct.typ, userID, acct.id, newDue)
	})
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to update due date: %w", err)
	}

	return succeeded(
		fmt.Sprintf("Your %s payment is now due %s, %d days later than before.", acct.label,
			newDue.Format("January 2, 2006"), ExtensionDays),
		map[string]any{
			"accountId":       acct.id,
			"accountType":     string(acct.typ),
			"previousDueDate": formatDate(acct.due),
			"newDueDate":      formatDate(newDue),
			"extensionDays":   ExtensionDays,
		}), nil
}
