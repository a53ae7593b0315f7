package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
)

// ChatLLM is the provider surface the categorizer needs. Every text provider in this package implements it.
type ChatLLM interface {
	Chat(ctx context.Context, system string, messages []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error]
}

// LLMCategorizer asks a text provider to label transactions in one request.
type LLMCategorizer struct {
	llm     ChatLLM
	timeout time.Duration

	logger *slog.Logger
}

const categorizerSystemPrompt = `You label bank transactions with spending categories.
Answer with a JSON array of strings only, one category per transaction, in the order given.
Use only these categories: %s.`

// NewLLMCategorizer creates a categorizer on top of llm. A zero timeout means 30 seconds.
func NewLLMCategorizer(llm ChatLLM, timeout time.Duration, logger *slog.Logger) LLMCategorizer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return LLMCategorizer{
		llm:     llm,
		timeout: timeout,
		logger:  logger.With(slog.String("module", "categorizer")),
	}
}

// Categorize implements banking.Categorizer.
func (c LLMCategorizer) Categorize(ctx context.Context, txs []models.Transaction) ([]string, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system := fmt.Sprintf(categorizerSystemPrompt, strings.Join(banking.Categories, ", "))
	msg := models.NewTextMessage(uuid.NewString(), models.RoleUser, transactionList(txs))

	var sb strings.Builder
	for content, err := range c.llm.Chat(ctx, system, []models.Message{msg}, nil) {
		if err != nil {
			return nil, fmt.Errorf("categorization request failed: %w", err)
		}
		if content.Type == models.ContentTypeText {
			sb.WriteString(content.Text)
		}
	}

	labels, err := parseCategories(sb.String(), len(txs))
	if err != nil {
		c.logger.Debug("Unusable categorization", slog.String("answer", sb.String()))
		return nil, err
	}
	return labels, nil
}

func transactionList(txs []models.Transaction) string {
	var sb strings.Builder
	for i, t := range txs {
		fmt.Fprintf(&sb, "%d. %s, $%.2f\n", i+1, t.Description, t.Amount.Float())
	}
	return sb.String()
}

// parseCategories reads a JSON array of labels, tolerating a markdown code fence around it.
func parseCategories(answer string, want int) ([]string, error) {
	answer = strings.TrimSpace(answer)
	answer = strings.TrimPrefix(answer, "```json")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")
	answer = strings.TrimSpace(answer)

	start, end := strings.Index(answer, "["), strings.LastIndex(answer, "]")
	if start < 0 || end < start {
		return nil, errors.New("answer has no JSON array")
	}
	var labels []string
	if err := json.Unmarshal([]byte(answer[start:end+1]), &labels); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	if len(labels) != want {
		return nil, fmt.Errorf("got %d categories for %d transactions", len(labels), want)
	}
	for i := range labels {
		labels[i] = banking.NormalizeCategory(labels[i])
	}
	return labels, nil
}
