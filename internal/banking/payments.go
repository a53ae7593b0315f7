package banking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
)

func (d *Dispatcher) initiatePayment(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	amount, ok := args.money("amount")
	if !ok || amount <= 0 {
		return models.ToolResult{}, failure(ErrInvalidAmount, "The amount to send must be greater than zero.")
	}

	sender, err := d.store.User(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to load sender: %w", err)
	}
	users, err := d.store.Users(ctx)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to list users: %w", err)
	}

	identifier := args.text("recipient")
	recipient, found := resolveRecipient(identifier, sender, users)
	if !found {
		return models.ToolResult{}, failure(ErrRecipientNotFound,
			"No account matches %q. Please check the account number, email, phone number or name.", identifier).
			with("recipient", identifier)
	}
	if recipient.ID == sender.ID {
		return models.ToolResult{}, failure(ErrSelfTransferRejected, "You can't send money to your own account.")
	}
	if sender.Balance < amount {
		return models.ToolResult{}, insufficientFunds(amount, sender.Balance)
	}

	note := args.text("note")
	debitDesc := "Transfer to " + recipient.DisplayName
	creditDesc := "Transfer from " + sender.DisplayName
	if note != "" {
		debitDesc += ": " + note
		creditDesc += ": " + note
	}

	res, err := ledger.Transfer(ctx, d.store, ledger.TransferRequest{
		FromUserID:        sender.ID,
		ToUserID:          recipient.ID,
		Amount:            amount,
		DebitDescription:  debitDesc,
		CreditDescription: creditDesc,
		Category:          "Transfer",
		At:                d.now(),
	})
	if errors.Is(err, ledger.ErrOverdraft) {
		// The balance moved between the check above and the transaction.
		current, _ := d.store.User(ctx, userID)
		return models.ToolResult{}, insufficientFunds(amount, current.Balance)
	}
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to transfer: %w", err)
	}

	return succeeded(
		fmt.Sprintf("Sent %s to %s. Your new balance is %s.", amount, recipient.DisplayName, res.From.Balance),
		map[string]any{
			"amount":        amount.Float(),
			"recipient":     recipient.DisplayName,
			"accountNumber": maskAccount(recipient.AccountNumber),
			"newBalance":    res.From.Balance.Float(),
			"reference":     res.Reference,
		}), nil
}

func insufficientFunds(amount, balance models.Money) *Failure {
	return failure(ErrInsufficientFunds, "Your balance of %s is not enough for a payment of %s.", balance, amount).
		with("available", balance.Float()).
		with("requested", amount.Float())
}

// resolveRecipient finds the user an identifier refers to. Account numbers win over emails, emails over phone
// numbers, and phone numbers over names; a name also matches the sender's contacts, which are then resolved
// through their own account number, email or phone.
func resolveRecipient(identifier string, sender models.User, users []models.User) (models.User, bool) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return models.User{}, false
	}
	digits := onlyDigits(id)

	matchers := []func(models.User) bool{
		func(u models.User) bool { return u.AccountNumber != "" && u.AccountNumber == strings.ReplaceAll(id, " ", "") },
		func(u models.User) bool { return u.Email != "" && strings.EqualFold(u.Email, id) },
		func(u models.User) bool { return digits != "" && onlyDigits(u.Phone) == digits },
		func(u models.User) bool { return strings.EqualFold(u.DisplayName, id) },
	}
	for _, match := range matchers {
		for _, u := range users {
			if match(u) {
				return u, true
			}
		}
	}

	for _, c := range sender.Contacts {
		if !strings.EqualFold(c.Name, id) {
			continue
		}
		for _, ref := range []string{c.AccountNumber, c.Email, c.Phone} {
			if ref == "" {
				continue
			}
			if u, ok := resolveRecipient(ref, models.User{}, users); ok {
				return u, true
			}
		}
	}
	return models.User{}, false
}

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func maskAccount(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

type creditAccount struct {
	typ   ledger.AccountType
	id    string
	label string
	owed  models.Money
	due   time.Time
}

func (d *Dispatcher) findAccount(ctx context.Context, userID string, typ ledger.AccountType, accountID string,
) (creditAccount, error) {
	switch typ {
	case ledger.AccountCard:
		card, err := d.findCard(ctx, userID, accountID)
		if err != nil {
			return creditAccount{}, err
		}
		return creditAccount{
			typ:   typ,
			id:    card.ID,
			label: fmt.Sprintf("%s card ending in %s", card.Type, card.Last4()),
			owed:  card.CurrentBalance,
			due:   card.DueDate,
		}, nil
	case ledger.AccountLoan:
		loan, err := d.findLoan(ctx, userID, accountID)
		if err != nil {
			return creditAccount{}, err
		}
		return creditAccount{
			typ:   typ,
			id:    loan.ID,
			label: fmt.Sprintf("%s loan", loan.Type),
			owed:  loan.RemainingBalance,
			due:   loan.DueDate,
		}, nil
	}
	return creditAccount{}, failure(ErrInvalidArguments, "Unknown account type %q.", typ)
}

func (d *Dispatcher) findCard(ctx context.Context, userID, ref string) (models.Card, error) {
	cards, err := d.store.Cards(ctx, userID)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to list cards: %w", err)
	}
	if len(cards) == 0 {
		return models.Card{}, failure(ErrCardNotFound, "You don't have any credit cards.")
	}
	if ref == "" {
		return cards[0], nil
	}
	for _, c := range cards {
		if c.ID == ref || c.Last4() == ref || c.Number == ref {
			return c, nil
		}
	}
	return models.Card{}, failure(ErrCardNotFound, "No card matches %q.", ref).with("accountId", ref)
}

func (d *Dispatcher) findLoan(ctx context.Context, userID, ref string) (models.Loan, error) {
	loans, err := d.store.Loans(ctx, userID)
	if err != nil {
		return models.Loan{}, fmt.Errorf("failed to list loans: %w", err)
	}
	if ref == "" {
		for _, l := range loans {
			if l.Status == models.LoanStatusActive {
				return l, nil
			}
		}
		if len(loans) > 0 {
			return loans[0], nil
		}
		return models.Loan{}, failure(ErrLoanNotFound, "You don't have any loans.")
	}
	for _, l := range loans {
		if l.ID == ref || strings.EqualFold(l.Type, ref) {
			return l, nil
		}
	}
	return models.Loan{}, failure(ErrLoanNotFound, "No loan matches %q.", ref).with("accountId", ref)
}

func (d *Dispatcher) makeAccountPayment(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	paymentType := args.text("paymentType")
	var custom models.Money
	if paymentType == "custom" {
		amount, ok := args.money("amount")
		if !ok || amount <= 0 {
			return models.ToolResult{}, failure(ErrInvalidAmount, "A custom payment needs an amount greater than zero.")
		}
		custom = amount
	}

	acct, err := d.findAccount(ctx, userID, ledger.AccountType(args.text("accountType")), args.text("accountId"))
	if err != nil {
		return models.ToolResult{}, err
	}

	var paid models.Money
	var remaining models.Money
	var balance models.Money
	paidOff := false
	err = d.store.Update(ctx, func(tx ledger.Tx) error {
		owed, minimum, statement, err := owedInTx(tx, userID, acct)
		if err != nil {
			return err
		}
		if owed <= 0 {
			return failure(ErrNothingDue, "Your %s has no outstanding balance.", acct.label)
		}

		switch paymentType {
		case "minimum":
			paid = minimum
		case "statement":
			paid = statement
		case "full":
			paid = owed
		default:
			paid = custom
		}
		if paid <= 0 {
			return failure(ErrNothingDue, "Nothing is due on your %s for a %s payment.", acct.label, paymentType)
		}
		paid = min(paid, owed)

		user, err := tx.AdjustBalance(userID, -paid)
		if errors.Is(err, ledger.ErrOverdraft) {
			current, uerr := tx.User(userID)
			if uerr != nil {
				return uerr
			}
			return insufficientFunds(paid, current.Balance)
		}
		if err != nil {
			return err
		}
		balance = user.Balance

		switch acct.typ {
		case ledger.AccountCard:
			card, err := tx.Card(userID, acct.id)
			if err != nil {
				return err
			}
			card.CurrentBalance -= paid
			card.StatementBalance = max(0, card.StatementBalance-paid)
			card.MinimumPayment = max(0, card.MinimumPayment-paid)
			remaining = card.CurrentBalance
			if err := tx.PutCard(card); err != nil {
				return err
			}
		case ledger.AccountLoan:
			loan, err := tx.Loan(userID, acct.id)
			if err != nil {
				return err
			}
			loan.RemainingBalance -= paid
			remaining = loan.RemainingBalance
			if err := tx.PutLoan(loan); err != nil {
				return err
			}
			if loan.RemainingBalance == 0 {
				paidOff = true
				if err := tx.SetLoanStatus(userID, loan.ID, models.LoanStatusPaidOff); err != nil {
					return err
				}
			}
		}

		return tx.RecordTransaction(models.Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Kind:        models.TransactionDebit,
			Amount:      paid,
			Description: "Payment to " + acct.label,
			Category:    "Payment",
			Reference:   uuid.NewString(),
			Timestamp:   d.now(),
		})
	})
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return models.ToolResult{}, f
		}
		return models.ToolResult{}, fmt.Errorf("failed to pay %s %s: %w", acct.typ, acct.id, err)
	}

	msg := fmt.Sprintf("Paid %s toward your %s. Remaining balance: %s.", paid, acct.label, remaining)
	if paidOff {
		msg = fmt.Sprintf("Paid %s and your %s is now paid off.", paid, acct.label)
	}
	payload := map[string]any{
		"accountId":        acct.id,
		"accountType":      string(acct.typ),
		"amountPaid":       paid.Float(),
		"remainingBalance": remaining.Float(),
		"newBalance":       balance.Float(),
	}
	if acct.typ == ledger.AccountLoan {
		status := models.LoanStatusActive
		if paidOff {
			status = models.LoanStatusPaidOff
		}
		payload["status"] = string(status)
	}
	return succeeded(msg, payload), nil
}

// owedInTx re-reads what is owed on the account inside the transaction.
func owedInTx(tx ledger.Tx, userID string, acct creditAccount) (owed, minimum, statement models.Money, err error) {
	switch acct.typ {
	case ledger.AccountCard:
		card, err := tx.Card(userID, acct.id)
		if err != nil {
			return 0, 0, 0, err
		}
		return card.CurrentBalance, card.MinimumPayment, card.StatementBalance, nil
	case ledger.AccountLoan:
		loan, err := tx.Loan(userID, acct.id)
		if err != nil {
			return 0, 0, 0, err
		}
		return loan.RemainingBalance, loan.MonthlyPayment, loan.MonthlyPayment, nil
	}
	return 0, 0, 0, fmt.Errorf("unknown account type %q", acct.typ)
}
