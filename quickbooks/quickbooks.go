// Package quickbooks is a typed facade over a registered QuickBooks MCP
// server. It turns loosely-typed tool results into Go structs and enforces
// accounting invariants, like balanced journal entries, before anything
// reaches the books.
package quickbooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jradfs/cpaagent/mcp"
	"github.com/jradfs/cpaagent/ratelimit"
)

// DefaultServerName is the registry name the facade targets by default.
const DefaultServerName = "quickbooks"

// ErrUnbalancedEntry is returned when journal entry debits and credits differ.
var ErrUnbalancedEntry = errors.New("journal entry debits and credits must balance")

// ToolInvoker calls a tool on a registered MCP server.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (mcp.ToolsCallResult, error)
}

// Account is a chart-of-accounts entry.
type Account struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type,omitempty"`
	CurrentBalance float64 `json:"current_balance,omitempty"`
}

// Transaction is one ledger transaction.
type Transaction struct {
	ID     string  `json:"id"`
	Date   string  `json:"date"`
	Type   string  `json:"type,omitempty"`
	Amount float64 `json:"amount"`
	Memo   string  `json:"memo,omitempty"`
}

// JournalLine is one side of a journal entry.
type JournalLine struct {
	AccountID string  `json:"account_id"`
	Debit     float64 `json:"debit,omitempty"`
	Credit    float64 `json:"credit,omitempty"`
	Memo      string  `json:"memo,omitempty"`
}

// JournalEntry is a balanced set of journal lines.
type JournalEntry struct {
	Date  string        `json:"date"`
	Memo  string        `json:"memo,omitempty"`
	Lines []JournalLine `json:"lines"`
}

// Validate enforces the balanced-entry invariant. Amounts balance when the
// debit and credit totals agree to the cent.
func (e JournalEntry) Validate() error {
	if strings.TrimSpace(e.Date) == "" {
		return errors.New("quickbooks: journal entry date is required")
	}
	if len(e.Lines) < 2 {
		return errors.New("quickbooks: journal entry needs at least two lines")
	}

	var debits, credits float64
	for i, line := range e.Lines {
		if strings.TrimSpace(line.AccountID) == "" {
			return fmt.Errorf("quickbooks: journal line %d missing account", i+1)
		}
		if line.Debit < 0 || line.Credit < 0 {
			return fmt.Errorf("quickbooks: journal line %d has a negative amount", i+1)
		}
		if (line.Debit > 0) == (line.Credit > 0) {
			return fmt.Errorf("quickbooks: journal line %d must be either a debit or a credit", i+1)
		}
		debits += line.Debit
		credits += line.Credit
	}
	if math.Abs(debits-credits) >= 0.005 {
		return fmt.Errorf("quickbooks: debits %.2f vs credits %.2f: %w", debits, credits, ErrUnbalancedEntry)
	}
	return nil
}

// ClientConfig configures the QuickBooks facade.
type ClientConfig struct {
	Invoker ToolInvoker
	Server  string
	RealmID string
	Limiter *ratelimit.Limiter
}

// Client wraps the QuickBooks MCP server's tools with typed methods.
type Client struct {
	invoker ToolInvoker
	server  string
	realmID string
	limiter *ratelimit.Limiter
}

// NewClient creates a QuickBooks facade.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("quickbooks: invoker is nil")
	}
	if strings.TrimSpace(cfg.Server) == "" {
		cfg.Server = DefaultServerName
	}
	return &Client{
		invoker: cfg.Invoker,
		server:  cfg.Server,
		realmID: cfg.RealmID,
		limiter: cfg.Limiter,
	}, nil
}

// FindAccount looks up a single chart-of-accounts entry by name.
func (c *Client) FindAccount(ctx context.Context, name string) (Account, error) {
	if strings.TrimSpace(name) == "" {
		return Account{}, errors.New("quickbooks: account name is required")
	}

	var account Account
	if err := c.call(ctx, "find_account", map[string]any{"name": name}, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// ListAccounts returns the chart of accounts.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var result struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.call(ctx, "list_accounts", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Accounts, nil
}

// CreateJournalEntry posts a journal entry after validating it balances.
func (c *Client) CreateJournalEntry(ctx context.Context, entry JournalEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}

	lines := make([]map[string]any, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		item := map[string]any{"account_id": line.AccountID}
		if line.Debit > 0 {
			item["debit"] = line.Debit
		} else {
			item["credit"] = line.Credit
		}
		if line.Memo != "" {
			item["memo"] = line.Memo
		}
		lines = append(lines, item)
	}

	var result struct {
		ID string `json:"id"`
	}
	args := map[string]any{
		"date":  entry.Date,
		"lines": lines,
	}
	if entry.Memo != "" {
		args["memo"] = entry.Memo
	}
	if err := c.call(ctx, "create_journal_entry", args, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// QueryTransactions returns transactions in an inclusive date range
// (YYYY-MM-DD).
func (c *Client) QueryTransactions(ctx context.Context, startDate, endDate string) ([]Transaction, error) {
	if strings.TrimSpace(startDate) == "" || strings.TrimSpace(endDate) == "" {
		return nil, errors.New("quickbooks: start and end dates are required")
	}

	var result struct {
		Transactions []Transaction `json:"transactions"`
	}
	args := map[string]any{
		"start_date": startDate,
		"end_date":   endDate,
	}
	if err := c.call(ctx, "query_transactions", args, &result); err != nil {
		return nil, err
	}
	return result.Transactions, nil
}

// AttachDocument links an ingested document to a transaction.
func (c *Client) AttachDocument(ctx context.Context, transactionID, documentID string) error {
	if strings.TrimSpace(transactionID) == "" || strings.TrimSpace(documentID) == "" {
		return errors.New("quickbooks: transaction and document ids are required")
	}
	return c.call(ctx, "attach_document", map[string]any{
		"transaction_id": transactionID,
		"document_id":    documentID,
	}, nil)
}

func (c *Client) call(ctx context.Context, tool string, args map[string]any, out any) error {
	if c == nil || c.invoker == nil {
		return errors.New("quickbooks: client is nil")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.realmID != "" {
		args["realm_id"] = c.realmID
	}

	result, err := c.invoker.Invoke(ctx, c.server, tool, args)
	if err != nil {
		return fmt.Errorf("quickbooks: %s: %w", tool, err)
	}
	if result.IsError {
		return fmt.Errorf("quickbooks: %s: %s", tool, resultText(result))
	}
	if out == nil {
		return nil
	}
	return decodeResult(tool, result, out)
}

// decodeResult prefers structured content; servers that only return text are
// expected to put a JSON payload in the first text block.
func decodeResult(tool string, result mcp.ToolsCallResult, out any) error {
	if len(result.StructuredContent) > 0 {
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return fmt.Errorf("quickbooks: %s: encode structured content: %w", tool, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("quickbooks: %s: decode structured content: %w", tool, err)
		}
		return nil
	}

	text := resultText(result)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("quickbooks: %s: empty result", tool)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("quickbooks: %s: decode text content: %w", tool, err)
	}
	return nil
}

func resultText(result mcp.ToolsCallResult) string {
	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
