package banking

import (
	"encoding/json"

	"github.com/MegaGrindStone/go-mcp"
)

// SchemaVersion identifies the tool set below. It must change whenever a tool is added, removed or has its
// parameters changed, because the schema is the contract between what the model asks for and what gets executed.
const SchemaVersion = "2025-03.1"

// Tool names.
const (
	ToolInitiatePayment         = "initiate_payment"
	ToolMakeAccountPayment      = "make_account_payment"
	ToolApplyForCard            = "apply_for_card"
	ToolApplyForLoan            = "apply_for_loan"
	ToolRequestPaymentExtension = "request_payment_extension"
	ToolGetCardStatementDetails = "get_card_statement_details"
	ToolGetSpendingAnalysis     = "get_spending_analysis"
	ToolGetAccountSummary       = "get_account_summary"
	ToolGetRecentTransactions   = "get_recent_transactions"
	ToolGetLoanDetails          = "get_loan_details"
)

type toolDef struct {
	name        string
	description string
	schema      string
	// mutates marks operations that move money or issue credit.
	mutates bool
}

var toolDefs = []toolDef{
	{
		name: ToolInitiatePayment,
		description: "Send money from the user's checking account to another person. The recipient can be " +
			"identified by account number, email, phone number or name (including one of the user's contacts).",
		mutates: true,
		schema: `{
			"type": "object",
			"properties": {
				"recipient": {"type": "string", "minLength": 1,
					"description": "Account number, email, phone number or name of the recipient."},
				"amount": {"type": "number", "description": "Amount to send, in dollars."},
				"note": {"type": "string", "description": "Optional note for the transfer."}
			},
			"required": ["recipient", "amount"]
		}`,
	},
	{
		name: ToolMakeAccountPayment,
		description: "Pay a credit card or loan from the user's checking account. paymentType is one of " +
			"minimum, statement, full or custom; custom requires a positive amount. Payments never exceed what is owed.",
		mutates: true,
		schema: `{
			"type": "object",
			"properties": {
				"accountId": {"type": "string", "minLength": 1,
					"description": "Card id or last four digits, or loan id."},
				"accountType": {"type": "string", "enum": ["card", "loan"]},
				"paymentType": {"type": "string", "enum": ["minimum", "statement", "full", "custom"]},
				"amount": {"type": "number", "description": "Required when paymentType is custom."}
			},
			"required": ["accountId", "accountType", "paymentType"]
		}`,
	},
	{
		name:        ToolRequestPaymentExtension,
		description: "Ask the bank to push the due date of a card or loan payment back by 14 days.",
		mutates:     true,
		schema: `{
			"type": "object",
			"properties": {
				"accountId": {"type": "string", "minLength": 1},
				"accountType": {"type": "string", "enum": ["card", "loan"]}
			},
			"required": ["accountId", "accountType"]
		}`,
	},
	{
		name: ToolApplyForCard,
		description: "Submit a credit card application for the user. Collect the card type, annual income and " +
			"employment status from the user before calling.",
		mutates: true,
		schema: `{
			"type": "object",
			"properties": {
				"cardType": {"type": "string", "minLength": 1, "description": "For example Classic, Gold or Platinum."},
				"annualIncome": {"type": "number", "minimum": 0},
				"employmentStatus": {"type": "string",
					"enum": ["employed", "self-employed", "unemployed", "student", "retired"]},
				"monthlyHousingPayment": {"type": "number", "minimum": 0}
			},
			"required": ["cardType", "annualIncome", "employmentStatus"]
		}`,
	},
	{
		name: ToolApplyForLoan,
		description: "Submit a loan application for the user. Collect loan type, amount, term, annual income and " +
			"employment status before calling. Approved loans are paid into the checking account.",
		mutates: true,
		schema: `{
			"type": "object",
			"properties": {
				"loanType": {"type": "string", "minLength": 1, "description": "For example personal, auto or home."},
				"amount": {"type": "number"},
				"termMonths": {"type": "integer", "minimum": 1, "maximum": 360},
				"annualIncome": {"type": "number", "minimum": 0},
				"employmentStatus": {"type": "string",
					"enum": ["employed", "self-employed", "unemployed", "student", "retired"]},
				"purpose": {"type": "string"}
			},
			"required": ["loanType", "amount", "termMonths", "annualIncome", "employmentStatus"]
		}`,
	},
	{
		name: ToolGetCardStatementDetails,
		description: "Get the statement balance, minimum payment, due date and available credit of a credit card. " +
			"Defaults to the user's first card.",
		schema: `{
			"type": "object",
			"properties": {
				"cardLast4": {"type": "string", "pattern": "^[0-9]{4}$"}
			}
		}`,
	},
	{
		name: ToolGetSpendingAnalysis,
		description: "Break down the user's recent spending by category.",
		schema: `{
			"type": "object",
			"properties": {
				"days": {"type": "integer", "minimum": 1, "maximum": 365, "description": "Period length, default 30."}
			}
		}`,
	},
	{
		name:        ToolGetAccountSummary,
		description: "Get the checking balance, account number, cards and loans of the user.",
		schema:      `{"type": "object", "properties": {}}`,
	},
	{
		name:        ToolGetRecentTransactions,
		description: "List the user's most recent transactions, newest first.",
		schema: `{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			}
		}`,
	},
	{
		name:        ToolGetLoanDetails,
		description: "Get the balance, payment and due date of a loan. Defaults to the user's first active loan.",
		schema: `{
			"type": "object",
			"properties": {
				"loanId": {"type": "string"}
			}
		}`,
	},
}

// Tools returns the tool schema handed to the AI provider.
func Tools() []mcp.Tool {
	tools := make([]mcp.Tool, len(toolDefs))
	for i, def := range toolDefs {
		tools[i] = mcp.Tool{
			Name:        def.name,
			Description: def.description,
			InputSchema: json.RawMessage(def.schema),
		}
	}
	return tools
}

// MutatingTools returns the names of the tools that move money or issue credit.
func MutatingTools() []string {
	var names []string
	for _, def := range toolDefs {
		if def.mutates {
			names = append(names, def.name)
		}
	}
	return names
}
