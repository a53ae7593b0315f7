package banking

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

// Categories the spending analysis reports.
var Categories = []string{
	"Groceries", "Dining", "Transport", "Shopping", "Utilities", "Entertainment", "Health", "Housing",
	"Travel", "Transfer", "Payment", "Other",
}

// CategoryOther is the category of everything a Categorizer couldn't place.
const CategoryOther = "Other"

// Categorizer assigns a spending category to each transaction. The result has the same length and order as txs.
type Categorizer interface {
	Categorize(ctx context.Context, txs []models.Transaction) ([]string, error)
}

// KeywordCategorizer keeps categories already present on transactions and guesses the rest from the description.
type KeywordCategorizer struct{}

var categoryKeywords = map[string][]string{
	"Groceries":     {"grocery", "market", "supermarket", "whole foods", "trader joe", "safeway"},
	"Dining":        {"restaurant", "cafe", "coffee", "starbucks", "pizza", "bar ", "doordash", "uber eats"},
	"Transport":     {"uber", "lyft", "fuel", "gas station", "shell", "parking", "transit", "metro"},
	"Shopping":      {"amazon", "store", "mall", "target", "walmart", "shop"},
	"Utilities":     {"electric", "water", "internet", "phone bill", "utility", "comcast", "verizon"},
	"Entertainment": {"netflix", "spotify", "cinema", "movie", "theater", "concert", "steam"},
	"Health":        {"pharmacy", "doctor", "clinic", "hospital", "gym", "dental"},
	"Housing":       {"rent", "mortgage", "landlord"},
	"Travel":        {"airline", "hotel", "airbnb", "flight"},
	"Transfer":      {"transfer to", "transfer from"},
	"Payment":       {"payment to"},
}

// Categorize implements Categorizer.
func (KeywordCategorizer) Categorize(_ context.Context, txs []models.Transaction) ([]string, error) {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = keywordCategory(t)
	}
	return out, nil
}

func keywordCategory(t models.Transaction) string {
	if c := NormalizeCategory(t.Category); c != CategoryOther {
		return c
	}
	desc := strings.ToLower(t.Description)
	for _, category := range Categories {
		for _, kw := range categoryKeywords[category] {
			if strings.Contains(desc, kw) {
				return category
			}
		}
	}
	return CategoryOther
}

// NormalizeCategory maps a free-form label onto one of Categories, case-insensitively. Unknown labels map to
// CategoryOther.
func NormalizeCategory(label string) string {
	label = strings.TrimSpace(label)
	for _, c := range Categories {
		if strings.EqualFold(c, label) {
			return c
		}
	}
	return CategoryOther
}

const defaultAnalysisDays = 30

type categoryTotal struct {
	category string
	total    models.Money
	count    int
}

func (d *Dispatcher) spendingAnalysis(ctx context.Context, userID string, args arguments) (models.ToolResult, error) {
	days := args.integer("days", defaultAnalysisDays)
	now := d.now()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)

	all, err := d.store.Transactions(ctx, userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	var debits []models.Transaction
	for _, t := range all {
		if t.Kind == models.TransactionDebit && !t.Timestamp.Before(since) {
			debits = append(debits, t)
		}
	}

	period := map[string]any{"days": days, "from": formatDate(since), "to": formatDate(now)}
	if len(debits) == 0 {
		return succeeded(fmt.Sprintf("You had no spending in the last %d days.", days), map[string]any{
			"period":     period,
			"total":      0.0,
			"categories": []map[string]any{},
		}), nil
	}

	categories, err := d.categorize.Categorize(ctx, debits)
	if err != nil || len(categories) != len(debits) {
		if err == nil {
			err = fmt.Errorf("got %d categories for %d transactions", len(categories), len(debits))
		}
		d.logger.Warn("Categorizer failed, falling back to keywords", slog.String(errLoggerKey, err.Error()))
		categories, _ = KeywordCategorizer{}.Categorize(ctx, debits)
	}

	totals := map[string]*categoryTotal{}
	var total models.Money
	for i, t := range debits {
		c := NormalizeCategory(categories[i])
		ct, ok := totals[c]
		if !ok {
			ct = &categoryTotal{category: c}
			totals[c] = ct
		}
		ct.total += t.Amount
		ct.count++
		total += t.Amount
	}

	sorted := make([]*categoryTotal, 0, len(totals))
	for _, ct := range totals {
		sorted = append(sorted, ct)
	}
	slices.SortFunc(sorted, func(a, b *categoryTotal) int {
		if a.total != b.total {
			if a.total > b.total {
				return -1
			}
			return 1
		}
		return strings.Compare(a.category, b.category)
	})

	breakdown := make([]map[string]any, 0, len(sorted))
	for _, ct := range sorted {
		breakdown = append(breakdown, map[string]any{
			"category": ct.category,
			"amount":   ct.total.Float(),
			"count":    ct.count,
			"percent":  float64(ct.total) * 100 / float64(total),
		})
	}

	top := sorted[0]
	return succeeded(
		fmt.Sprintf("You spent %s in the last %d days. Your top category was %s at %s.",
			total, days, top.category, top.total),
		map[string]any{
			"period":      period,
			"total":       total.Float(),
			"topCategory": top.category,
			"categories":  breakdown,
		}), nil
}
