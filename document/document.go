// Package document ingests client paperwork: it detects what kind of
// document a file is, extracts structured fields with an LLM, files the
// result under a category, and records the outcome.
package document

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDocumentNotFound is returned when a document ID is unknown.
var ErrDocumentNotFound = errors.New("document not found")

// Type classifies the paperwork.
type Type string

const (
	TypeInvoice          Type = "invoice"
	TypeReceipt          Type = "receipt"
	TypeBankStatement    Type = "bank_statement"
	TypeW2               Type = "w2"
	Type1099             Type = "form_1099"
	TypeEngagementLetter Type = "engagement_letter"
	TypeTaxForm          Type = "tax_form"
	TypePayroll          Type = "payroll"
	TypeContract         Type = "contract"
	TypeOther            Type = "other"
)

// Status tracks processing progress.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Document is one ingested file and its extraction result.
type Document struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"client_id,omitempty"`
	Name        string         `json:"name"`
	Type        Type           `json:"type"`
	Category    string         `json:"category,omitempty"`
	Status      Status         `json:"status"`
	Fields      map[string]any `json:"fields,omitempty"`
	Error       string         `json:"error,omitempty"`
	IngestedAt  time.Time      `json:"ingested_at"`
	ProcessedAt time.Time      `json:"processed_at,omitempty"`
}

// NewDocument creates a pending document record.
func NewDocument(name, clientID string) Document {
	return Document{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		Name:       name,
		Type:       TypeOther,
		Status:     StatusPending,
		IngestedAt: time.Now().UTC(),
	}
}

// Store abstracts document persistence.
type Store interface {
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (Document, error)
	ListByClient(ctx context.Context, clientID string) ([]Document, error)
	List(ctx context.Context) ([]Document, error)
}

// typeKeywords maps content markers to document types. First match wins, so
// more specific markers come first.
var typeKeywords = []struct {
	docType  Type
	keywords []string
}{
	{TypeW2, []string{"form w-2", "wage and tax statement"}},
	{Type1099, []string{"form 1099", "1099-nec", "1099-misc", "nonemployee compensation"}},
	{TypeEngagementLetter, []string{"engagement letter", "terms of engagement", "scope of our engagement"}},
	{TypeTaxForm, []string{"form 1040", "form 1120", "form 1065", "form w-9", "form 941", "schedule k-1", "internal revenue service"}},
	{TypeBankStatement, []string{"statement period", "beginning balance", "ending balance", "account summary"}},
	{TypePayroll, []string{"gross pay", "net pay", "pay period", "payroll register"}},
	{TypeInvoice, []string{"invoice number", "invoice #", "bill to", "amount due", "payment terms"}},
	{TypeReceipt, []string{"receipt", "subtotal", "change due", "thank you for your purchase"}},
	{TypeContract, []string{"agreement", "hereinafter", "terms and conditions", "party of the first part"}},
}

var nameHints = map[string]Type{
	"invoice":    TypeInvoice,
	"receipt":    TypeReceipt,
	"statement":  TypeBankStatement,
	"1040":       TypeTaxForm,
	"1120":       TypeTaxForm,
	"1065":       TypeTaxForm,
	"w2":         TypeW2,
	"w-2":        TypeW2,
	"1099":       Type1099,
	"941":        TypeTaxForm,
	"k-1":        TypeTaxForm,
	"engagement": TypeEngagementLetter,
	"payroll":    TypePayroll,
	"paystub":    TypePayroll,
	"contract":   TypeContract,
	"agreement":  TypeContract,
}

// DetectType classifies a document from its filename and text content.
// Content markers win over filename hints.
func DetectType(name, content string) Type {
	lowered := strings.ToLower(content)
	for _, entry := range typeKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lowered, keyword) {
				return entry.docType
			}
		}
	}

	base := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	for hint, docType := range nameHints {
		if strings.Contains(base, hint) {
			return docType
		}
	}
	return TypeOther
}

// CategoryFor maps a document type to its filing category.
func CategoryFor(docType Type) string {
	switch docType {
	case TypeInvoice:
		return "invoices"
	case TypeReceipt:
		return "receipts"
	case TypeBankStatement:
		return "bank-statements"
	case TypeW2, Type1099, TypeTaxForm:
		return "tax-forms"
	case TypeEngagementLetter:
		return "engagements"
	case TypeContract:
		return "contracts"
	case TypePayroll:
		return "payroll"
	default:
		return "uncategorized"
	}
}

// categoryRules maps expense markers in extracted fields to spend categories.
// First match wins, so more specific vendors come before generic words.
var categoryRules = []struct {
	category string
	keywords []string
}{
	{"travel", []string{"delta", "united airlines", "american airlines", "southwest", "marriott", "hilton", "hyatt", "airbnb", "uber", "lyft", "airfare", "airline", "hotel"}},
	{"meals-and-entertainment", []string{"restaurant", "cafe", "coffee", "catering", "doordash", "grubhub"}},
	{"office-supplies", []string{"office depot", "staples", "officemax", "office supplies"}},
	{"software-subscriptions", []string{"adobe", "microsoft 365", "quickbooks online", "software", "saas", "subscription"}},
	{"utilities", []string{"electric", "water utility", "internet service", "telecom", "phone service"}},
	{"professional-services", []string{"consulting", "attorney", "law office", "bookkeeping", "accounting services"}},
}

// Categorize files a document by its extracted fields. Deterministic vendor
// and line-item rules come first; a category the extractor supplied is kept
// when no rule matches; the type-based filing bucket is the last resort.
func Categorize(docType Type, fields map[string]any) string {
	if text := categorizableText(fields); text != "" {
		for _, rule := range categoryRules {
			for _, keyword := range rule.keywords {
				if strings.Contains(text, keyword) {
					return rule.category
				}
			}
		}
	}

	if llm, ok := fields["category"].(string); ok && strings.TrimSpace(llm) != "" {
		return normalizeCategory(llm)
	}
	return CategoryFor(docType)
}

// categorizableText joins the extracted values the rules inspect: vendor,
// description, and line item descriptions.
func categorizableText(fields map[string]any) string {
	var parts []string
	for _, key := range []string{"vendor", "description"} {
		if value, ok := fields[key].(string); ok {
			parts = append(parts, value)
		}
	}
	if items, ok := fields["line_items"].([]any); ok {
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if desc, ok := entry["description"].(string); ok {
				parts = append(parts, desc)
			}
		}
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func normalizeCategory(category string) string {
	lowered := strings.ToLower(strings.TrimSpace(category))
	return strings.ReplaceAll(lowered, " ", "-")
}
