package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
)

// Extractor pulls structured fields out of document text.
type Extractor interface {
	Extract(ctx context.Context, docType Type, content string) (map[string]any, error)
}

// LLMExtractorConfig configures the LLM-backed extractor.
type LLMExtractorConfig struct {
	Provider string
	APIKey   string
	Model    string
}

const extractorInstructions = `You extract structured data from accounting documents.
Respond with a single JSON object and nothing else. Use snake_case keys.
Include amounts as numbers, dates as YYYY-MM-DD strings, and omit fields you
cannot find. For expense documents include a lowercase category field with
your best guess. Never invent values.`

// LLMExtractor extracts fields by prompting an LLM provider for strict JSON.
type LLMExtractor struct {
	provider iriscore.Provider
	model    string
}

// NewLLMExtractor creates an extractor for the named provider.
func NewLLMExtractor(cfg LLMExtractorConfig) (*LLMExtractor, error) {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil, errors.New("document: extractor provider is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("document: extractor model is required")
	}
	provider, err := providers.Create(cfg.Provider, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("document: create provider %q: %w", cfg.Provider, err)
	}
	return &LLMExtractor{provider: provider, model: cfg.Model}, nil
}

// Extract prompts the provider and decodes its JSON reply.
func (e *LLMExtractor) Extract(ctx context.Context, docType Type, content string) (map[string]any, error) {
	if e == nil || e.provider == nil {
		return nil, errors.New("document: extractor is nil")
	}

	prompt := fmt.Sprintf("Document type: %s\n\nDocument text:\n%s", docType, content)
	resp, err := e.provider.Chat(ctx, &iriscore.ChatRequest{
		Model:        iriscore.ModelID(e.model),
		Instructions: extractorInstructions,
		Messages: []iriscore.Message{
			{Role: iriscore.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("document: extraction request: %w", err)
	}

	fields, err := decodeStrictJSON(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("document: extraction reply: %w", err)
	}
	if err := validateFields(fields); err != nil {
		return nil, fmt.Errorf("document: extraction reply: %w", err)
	}
	return fields, nil
}

// decodeStrictJSON parses an LLM reply that should be a bare JSON object,
// tolerating a markdown code fence around it.
func decodeStrictJSON(output string) (map[string]any, error) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("not a JSON object: %.80q", trimmed)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// validateFields rejects replies whose known fields carry the wrong shape:
// vendor/currency/category must be strings, total/tax_amount numbers, date a
// YYYY-MM-DD string, and line_items an array of objects. Unknown keys pass
// through untouched.
func validateFields(fields map[string]any) error {
	for _, key := range []string{"vendor", "currency", "category"} {
		if value, ok := fields[key]; ok {
			if _, isString := value.(string); !isString {
				return fmt.Errorf("field %q is not a string", key)
			}
		}
	}
	for _, key := range []string{"total", "tax_amount"} {
		if value, ok := fields[key]; ok {
			if _, isNumber := value.(float64); !isNumber {
				return fmt.Errorf("field %q is not a number", key)
			}
		}
	}
	if value, ok := fields["date"]; ok {
		date, isString := value.(string)
		if !isString {
			return fmt.Errorf("field %q is not a string", "date")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("field %q is not a YYYY-MM-DD date: %q", "date", date)
		}
	}
	if value, ok := fields["line_items"]; ok {
		items, isArray := value.([]any)
		if !isArray {
			return fmt.Errorf("field %q is not an array", "line_items")
		}
		for i, item := range items {
			if _, isObject := item.(map[string]any); !isObject {
				return fmt.Errorf("line item %d is not an object", i+1)
			}
		}
	}
	return nil
}

var _ Extractor = (*LLMExtractor)(nil)
