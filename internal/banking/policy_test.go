package banking

import (
	"context"
	"slices"
	"testing"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffordabilityPolicy(t *testing.T) {
	p := DefaultAffordabilityPolicy()
	usd := models.MoneyFromFloat

	tests := []struct {
		name    string
		app     Application
		approve bool
	}{
		{
			name:    "employed with room",
			app:     Application{Kind: ApplicationLoan, Product: "auto", Amount: usd(15000), TermMonths: 60, AnnualIncome: usd(80000), EmploymentStatus: "employed"},
			approve: true,
		},
		{
			name: "unemployed",
			app:  Application{Kind: ApplicationCard, Product: "Classic", AnnualIncome: usd(50000), EmploymentStatus: "unemployed"},
		},
		{
			name: "income below minimum",
			app:  Application{Kind: ApplicationCard, Product: "Classic", AnnualIncome: usd(5000), EmploymentStatus: "employed"},
		},
		{
			name: "student above small loan limit",
			app:  Application{Kind: ApplicationLoan, Product: "personal", Amount: usd(9000), TermMonths: 36, AnnualIncome: usd(20000), EmploymentStatus: "student"},
		},
		{
			name: "debt to income too high",
			app: Application{Kind: ApplicationLoan, Product: "personal", Amount: usd(30000), TermMonths: 24, AnnualIncome: usd(40000),
				EmploymentStatus: "employed", MonthlyHousing: usd(1200)},
		},
		{
			name:    "card for retiree",
			app:     Application{Kind: ApplicationCard, Product: "Gold", AnnualIncome: usd(36000), EmploymentStatus: "retired"},
			approve: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := p.Decide(context.Background(), tt.app)
			require.NoError(t, err)
			assert.Equal(t, tt.approve, d.Approved)
			if !tt.approve {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestRandomPolicy(t *testing.T) {
	roll := 0.0
	p := RandomPolicy{RejectRate: 0.3, Float: func() float64 { return roll }}

	roll = 0.1
	rejected, err := p.Decide(context.Background(), Application{})
	require.NoError(t, err)
	roll = 0.9
	approved, err := p.AllowExtension(context.Background(), ExtensionRequest{})
	require.NoError(t, err)

	assert.False(t, rejected.Approved)
	assert.True(t, approved.Approved)
}

func TestStandardTerms(t *testing.T) {
	usd := models.MoneyFromFloat

	platinum := StandardTerms(Application{Kind: ApplicationCard, Product: "platinum", AnnualIncome: usd(30000)})
	classic := StandardTerms(Application{Kind: ApplicationCard, Product: "Classic", AnnualIncome: usd(100000)})
	home := StandardTerms(Application{Kind: ApplicationLoan, Product: "Home"})

	assert.Equal(t, usd(6000), platinum.CreditLimit)
	assert.Equal(t, usd(2000), classic.CreditLimit)
	assert.Equal(t, 5.5, home.APR)
}

func TestLuhn(t *testing.T) {
	assert.True(t, LuhnValid("4532015112830366"))
	assert.True(t, LuhnValid("79927398713"))
	assert.False(t, LuhnValid("79927398710"))
	assert.False(t, LuhnValid("4532a15112830366"))

	for range 20 {
		n := NewCardNumber()
		assert.Len(t, n, 16)
		assert.True(t, LuhnValid(n), n)
		assert.Equal(t, cardIIN, n[:len(cardIIN)])
	}
}

func TestAmortizedPayment(t *testing.T) {
	usd := models.MoneyFromFloat

	assert.Equal(t, usd(100), AmortizedPayment(usd(1200), 0, 12))
	// 10,000 over 36 months at 6% is 304.22 per month.
	assert.Equal(t, usd(304.22), AmortizedPayment(usd(10000), 6, 36))
	assert.Equal(t, models.Money(0), AmortizedPayment(usd(1000), 5, 0))
}

func TestMutatingToolsAreTheSensitiveOnes(t *testing.T) {
	got := MutatingTools()
	slices.Sort(got)

	want := []string{
		ToolApplyForCard, ToolApplyForLoan, ToolInitiatePayment, ToolMakeAccountPayment, ToolRequestPaymentExtension,
	}
	slices.Sort(want)
	assert.Equal(t, want, got)
}

func TestErrorCode(t *testing.T) {
	f := failure(ErrInsufficientFunds, "not enough")

	assert.Equal(t, "insufficient_funds", ErrorCode(f))
	assert.Equal(t, "", ErrorCode(context.Canceled))
}
