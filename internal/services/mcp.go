package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
)

// MCPCategorizer delegates categorization to a tool on an MCP server. The tool receives the transactions and the
// allowed categories and answers with a JSON array of labels in a text content.
type MCPCategorizer struct {
	client   *mcp.Client
	toolName string

	logger *slog.Logger
}

// DefaultCategorizeTool is the MCP tool name used when none is configured.
const DefaultCategorizeTool = "categorize_transactions"

type mcpTransaction struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Date        string  `json:"date"`
}

type mcpCategorizeArgs struct {
	Transactions []mcpTransaction `json:"transactions"`
	Categories   []string         `json:"categories"`
}

// NewMCPCategorizer creates a categorizer calling toolName on a connected client.
func NewMCPCategorizer(client *mcp.Client, toolName string, logger *slog.Logger) MCPCategorizer {
	if toolName == "" {
		toolName = DefaultCategorizeTool
	}
	return MCPCategorizer{
		client:   client,
		toolName: toolName,
		logger:   logger.With(slog.String("module", "mcp-categorizer")),
	}
}

// Categorize implements banking.Categorizer.
func (c MCPCategorizer) Categorize(ctx context.Context, txs []models.Transaction) ([]string, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	args := mcpCategorizeArgs{Categories: banking.Categories}
	for _, t := range txs {
		args.Transactions = append(args.Transactions, mcpTransaction{
			Description: t.Description,
			Amount:      t.Amount.Float(),
			Date:        t.Timestamp.Format("2006-01-02"),
		})
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	res, err := c.client.CallTool(ctx, mcp.CallToolParams{Name: c.toolName, Arguments: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", c.toolName, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if content.Type == mcp.ContentTypeText {
			sb.WriteString(content.Text)
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("%s failed: %s", c.toolName, sb.String())
	}

	c.logger.Debug("Categorization result", slog.String("toolName", c.toolName), slog.String("result", sb.String()))
	return parseCategories(sb.String(), len(txs))
}
