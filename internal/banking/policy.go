package banking

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

// ApplicationKind tells what a credit application is for.
type ApplicationKind string

const (
	ApplicationCard ApplicationKind = "card"
	ApplicationLoan ApplicationKind = "loan"
)

// Application is everything an approval policy gets to look at.
type Application struct {
	Kind             ApplicationKind
	UserID           string
	Product          string
	Amount           models.Money
	TermMonths       int
	AnnualIncome     models.Money
	EmploymentStatus string
	MonthlyHousing   models.Money
	Purpose          string

	// Figures gathered from the ledger at application time.
	Balance         models.Money
	OutstandingDebt models.Money
	MonthlyDebt     models.Money
}

// Decision is the outcome of a policy. CreditLimit and APR are only read on approved card and loan applications;
// zero values are replaced by StandardTerms.
type Decision struct {
	Approved    bool
	Reason      string
	CreditLimit models.Money
	APR         float64
}

// ApprovalPolicy decides card and loan applications.
type ApprovalPolicy interface {
	Decide(ctx context.Context, app Application) (Decision, error)
}

// ApprovalFunc adapts a function to ApprovalPolicy.
type ApprovalFunc func(ctx context.Context, app Application) (Decision, error)

// Decide calls f.
func (f ApprovalFunc) Decide(ctx context.Context, app Application) (Decision, error) {
	return f(ctx, app)
}

// ExtensionRequest is a request to move a due date.
type ExtensionRequest struct {
	UserID      string
	AccountType ledger.AccountType
	AccountID   string
	DueDate     time.Time
	AmountDue   models.Money
}

// ExtensionPolicy decides payment extension requests.
type ExtensionPolicy interface {
	AllowExtension(ctx context.Context, req ExtensionRequest) (Decision, error)
}

// ExtensionFunc adapts a function to ExtensionPolicy.
type ExtensionFunc func(ctx context.Context, req ExtensionRequest) (Decision, error)

// AllowExtension calls f.
func (f ExtensionFunc) AllowExtension(ctx context.Context, req ExtensionRequest) (Decision, error) {
	return f(ctx, req)
}

// StaticPolicy approves or rejects everything. It serves both applications and extensions.
type StaticPolicy struct {
	Approve bool
	Reason  string
}

// Decide returns the fixed decision.
func (p StaticPolicy) Decide(context.Context, Application) (Decision, error) {
	return Decision{Approved: p.Approve, Reason: p.Reason}, nil
}

// AllowExtension returns the fixed decision.
func (p StaticPolicy) AllowExtension(context.Context, ExtensionRequest) (Decision, error) {
	return Decision{Approved: p.Approve, Reason: p.Reason}, nil
}

// RandomPolicy rejects a fixed share of requests at random. It stands in for an underwriting system in demos.
type RandomPolicy struct {
	RejectRate float64
	// Float returns a number in [0, 1). Defaults to math/rand/v2.
	Float func() float64
}

func (p RandomPolicy) roll() Decision {
	f := p.Float
	if f == nil {
		f = rand.Float64
	}
	if f() < p.RejectRate {
		return Decision{Approved: false, Reason: "the request did not meet the bank's current criteria"}
	}
	return Decision{Approved: true}
}

// Decide rejects with probability RejectRate.
func (p RandomPolicy) Decide(context.Context, Application) (Decision, error) {
	return p.roll(), nil
}

// AllowExtension rejects with probability RejectRate.
func (p RandomPolicy) AllowExtension(context.Context, ExtensionRequest) (Decision, error) {
	return p.roll(), nil
}

// AffordabilityPolicy is a deterministic rule set: the applicant needs an income, an employment status that is
// not "unemployed" (students and retirees are limited to small amounts), and a debt-to-income ratio below
// MaxDebtToIncome once the new obligation is included.
type AffordabilityPolicy struct {
	MinAnnualIncome models.Money
	MaxDebtToIncome float64
	// SmallLoanLimit caps loans for students and retirees.
	SmallLoanLimit models.Money
}

// DefaultAffordabilityPolicy returns the rule set used when the config doesn't override it.
func DefaultAffordabilityPolicy() AffordabilityPolicy {
	return AffordabilityPolicy{
		MinAnnualIncome: models.MoneyFromFloat(12000),
		MaxDebtToIncome: 0.43,
		SmallLoanLimit:  models.MoneyFromFloat(5000),
	}
}

// Decide applies the rules.
func (p AffordabilityPolicy) Decide(_ context.Context, app Application) (Decision, error) {
	if app.AnnualIncome < p.MinAnnualIncome {
		return Decision{Reason: "the stated income is below the minimum for this product"}, nil
	}
	status := strings.ToLower(app.EmploymentStatus)
	if status == "unemployed" {
		return Decision{Reason: "an active source of income is required"}, nil
	}
	if app.Kind == ApplicationLoan && (status == "student" || status == "retired") && app.Amount > p.SmallLoanLimit {
		return Decision{Reason: "the requested amount is above what we can offer for this employment status"}, nil
	}

	monthlyIncome := app.AnnualIncome / 12
	if monthlyIncome <= 0 {
		return Decision{Reason: "an active source of income is required"}, nil
	}
	newObligation := models.Money(0)
	switch app.Kind {
	case ApplicationLoan:
		terms := StandardTerms(app)
		newObligation = AmortizedPayment(app.Amount, terms.APR, app.TermMonths)
	case ApplicationCard:
		// Minimum payment on a fully used card, 3% of the limit.
		newObligation = StandardTerms(app).CreditLimit * 3 / 100
	}
	ratio := float64(app.MonthlyDebt+app.MonthlyHousing+newObligation) / float64(monthlyIncome)
	if ratio > p.MaxDebtToIncome {
		return Decision{Reason: "the monthly payments would be too high compared to the stated income"}, nil
	}
	return Decision{Approved: true}, nil
}

// StandardTerms returns the credit limit and APR the bank offers for a product when the policy doesn't set them.
func StandardTerms(app Application) Decision {
	switch app.Kind {
	case ApplicationCard:
		var limit models.Money
		switch strings.ToLower(app.Product) {
		case "platinum":
			limit = models.MoneyFromFloat(10000)
		case "gold":
			limit = models.MoneyFromFloat(5000)
		default:
			limit = models.MoneyFromFloat(2000)
		}
		// Never more than a fifth of the yearly income.
		if ceiling := app.AnnualIncome / 5; app.AnnualIncome > 0 && limit > ceiling {
			limit = ceiling
		}
		return Decision{Approved: true, CreditLimit: limit, APR: 22.9}
	case ApplicationLoan:
		apr := 9.5
		switch strings.ToLower(app.Product) {
		case "auto":
			apr = 6.9
		case "home", "mortgage":
			apr = 5.5
		case "student":
			apr = 4.9
		}
		return Decision{Approved: true, APR: apr}
	}
	return Decision{Approved: true}
}
