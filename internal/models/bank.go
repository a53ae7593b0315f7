package models

import (
	"fmt"
	"math"
	"time"
)

// Money is an amount in minor units (cents). Floating point amounts only appear at the model boundary.
type Money int64

// MoneyFromFloat converts a decimal amount to Money, rounding half away from zero.
func MoneyFromFloat(f float64) Money {
	return Money(math.Round(f * 100))
}

// Float returns the amount in major units.
func (m Money) Float() float64 {
	return float64(m) / 100
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// User is an account holder. AccountNumber identifies the checking account the balance belongs to.
type User struct {
	ID            string
	DisplayName   string
	Email         string
	Phone         string
	AccountNumber string
	Balance       Money
	Contacts      []Contact
}

// Contact is a payee known to a user. Contacts are listed in the assistant's instructions so the model can
// resolve "send 20 to Maria" without asking.
type Contact struct {
	Name          string
	Email         string
	Phone         string
	AccountNumber string
}

// CardStatus enumerates card states.
type CardStatus string

// LoanStatus enumerates loan states. LoanStatusPaidOff is terminal.
type LoanStatus string

const (
	CardStatusActive CardStatus = "Active"

	LoanStatusActive  LoanStatus = "Active"
	LoanStatusPaidOff LoanStatus = "Paid Off"
)

// Card is a credit card owned by a user. CurrentBalance is the amount owed.
type Card struct {
	ID               string
	UserID           string
	Type             string
	Number           string
	CreditLimit      Money
	CurrentBalance   Money
	StatementBalance Money
	MinimumPayment   Money
	DueDate          time.Time
	Status           CardStatus
}

// Last4 returns the last four digits of the card number.
func (c Card) Last4() string {
	if len(c.Number) <= 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// Loan is a loan owned by a user.
type Loan struct {
	ID               string
	UserID           string
	Type             string
	Principal        Money
	RemainingBalance Money
	MonthlyPayment   Money
	InterestRate     float64
	TermMonths       int
	DueDate          time.Time
	Status           LoanStatus
}

// TransactionKind tells whether money left or entered the account.
type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
)

// Transaction is a ledger entry on a user's account. Amount is always positive; Kind carries the direction.
// Paired transfer entries share the same Reference.
type Transaction struct {
	ID          string
	UserID      string
	Kind        TransactionKind
	Amount      Money
	Description string
	Category    string
	Reference   string
	Timestamp   time.Time
}
