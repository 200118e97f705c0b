package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jradfs/cpaagent/audit"
)

const defaultExtractAttempts = 2

// ProcessorConfig configures a document processor.
type ProcessorConfig struct {
	Store           Store
	Extractor       Extractor
	Audit           audit.Store
	ExtractAttempts int
	Now             func() time.Time
}

// Processor runs the ingest pipeline: detect type, extract fields, assign a
// category, and persist the outcome. Failures are recorded on the document
// rather than lost.
type Processor struct {
	store     Store
	extractor Extractor
	audit     audit.Store
	attempts  int
	now       func() time.Time
}

// NewProcessor creates a document processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errors.New("document: processor store is nil")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("document: processor extractor is nil")
	}
	if cfg.ExtractAttempts <= 0 {
		cfg.ExtractAttempts = defaultExtractAttempts
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		audit:     cfg.Audit,
		attempts:  cfg.ExtractAttempts,
		now:       cfg.Now,
	}, nil
}

// Process ingests one document. The returned document reflects the stored
// outcome; a failed extraction yields a failed document and a nil error, so
// callers distinguish pipeline failures from infrastructure failures.
func (p *Processor) Process(ctx context.Context, name, clientID, content string) (Document, error) {
	if p == nil {
		return Document{}, errors.New("document: processor is nil")
	}

	doc := NewDocument(name, clientID)
	doc.Type = DetectType(name, content)

	fields, err := p.extractWithRetry(ctx, doc.Type, content)
	doc.ProcessedAt = p.now()
	if err != nil {
		doc.Status = StatusFailed
		doc.Error = err.Error()
		doc.Category = CategoryFor(doc.Type)
	} else {
		doc.Status = StatusProcessed
		doc.Fields = fields
		doc.Category = Categorize(doc.Type, fields)
	}

	if storeErr := p.store.Put(ctx, doc); storeErr != nil {
		return Document{}, storeErr
	}

	p.record(ctx, doc)
	return doc, nil
}

// Reprocess re-runs extraction for a stored document using new content.
func (p *Processor) Reprocess(ctx context.Context, id, content string) (Document, error) {
	doc, err := p.store.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}

	doc.Type = DetectType(doc.Name, content)

	fields, err := p.extractWithRetry(ctx, doc.Type, content)
	doc.ProcessedAt = p.now()
	if err != nil {
		doc.Status = StatusFailed
		doc.Error = err.Error()
		doc.Fields = nil
		doc.Category = CategoryFor(doc.Type)
	} else {
		doc.Status = StatusProcessed
		doc.Error = ""
		doc.Fields = fields
		doc.Category = Categorize(doc.Type, fields)
	}

	if storeErr := p.store.Put(ctx, doc); storeErr != nil {
		return Document{}, storeErr
	}

	p.record(ctx, doc)
	return doc, nil
}

func (p *Processor) extractWithRetry(ctx context.Context, docType Type, content string) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := p.extractor.Extract(ctx, docType, content)
		if err == nil {
			return fields, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", p.attempts, lastErr)
}

func (p *Processor) record(ctx context.Context, doc Document) {
	if p.audit == nil {
		return
	}
	_ = p.audit.Append(ctx, audit.NewEvent(audit.KindDocumentProcessed, doc.Name, map[string]any{
		"document_id": doc.ID,
		"client_id":   doc.ClientID,
		"type":        string(doc.Type),
		"category":    doc.Category,
		"status":      string(doc.Status),
	}).WithActor("document-processor"))
}
