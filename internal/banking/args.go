package banking

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

// arguments wraps the decoded arguments of a call that already passed schema validation.
type arguments map[string]any

func (a arguments) text(key string) string {
	s, _ := a[key].(string)
	return strings.TrimSpace(s)
}

func (a arguments) number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (a arguments) money(key string) (models.Money, bool) {
	f, ok := a.number(key)
	if !ok {
		return 0, false
	}
	return models.MoneyFromFloat(f), true
}

func (a arguments) integer(key string, def int) int {
	f, ok := a.number(key)
	if !ok {
		return def
	}
	return int(f)
}
