// Package ingest turns inbound email into invoice records and advances them
// through classification and extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/platform/id"
	"github.com/ledgerline/payable/internal/services/ingest/email"
	"github.com/ledgerline/payable/internal/storage"
)

// DefaultMaxAttempts is the per-stage gateway retry ceiling.
const DefaultMaxAttempts = 3

// Processor runs the ingestion stages for one inbound message.
type Processor struct {
	store       storage.InvoiceStore
	classifier  gateway.Classifier
	extractor   gateway.Extractor
	maxAttempts int
	now         func() time.Time
	newID       func() (string, error)
}

// Option configures optional Processor behavior.
type Option func(*Processor)

// WithMaxAttempts overrides the per-stage gateway retry ceiling.
func WithMaxAttempts(max int) Option {
	return func(p *Processor) {
		if max > 0 {
			p.maxAttempts = max
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator overrides record id generation, for tests.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(p *Processor) {
		if newID != nil {
			p.newID = newID
		}
	}
}

// NewProcessor builds an ingest processor.
func NewProcessor(store storage.InvoiceStore, classifier gateway.Classifier, extractor gateway.Extractor, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	processor := &Processor{
		store:       store,
		classifier:  classifier,
		extractor:   extractor,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		newID:       id.NewID,
	}
	for _, opt := range opts {
		opt(processor)
	}
	return processor, nil
}

// Result reports where one message ended up.
type Result struct {
	InvoiceID string
	Status    invoice.Status
}

// Process parses one raw message, creates its record, and runs the
// classification and extraction stages. Gateway calls retry up to the
// attempt ceiling; the record always ends in a committed state, never a
// partial one.
func (p *Processor) Process(ctx context.Context, raw []byte) (Result, error) {
	parsed, err := email.Parse(raw)
	if err != nil {
		return Result{}, err
	}

	recordID, err := p.newID()
	if err != nil {
		return Result{}, fmt.Errorf("generate invoice id: %w", err)
	}
	now := p.now().UTC()
	record := invoice.Record{
		ID:              recordID,
		Status:          invoice.StatusReceived,
		SourceMessageID: parsed.MessageID,
		Subject:         parsed.Subject,
		Sender:          parsed.Sender,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.CreateInvoice(ctx, record); err != nil {
		return Result{}, fmt.Errorf("create invoice record: %w", err)
	}

	doc := gateway.Document{
		Subject: parsed.Subject,
		Sender:  parsed.Sender,
		Body:    renderBody(parsed),
	}

	verdict, err := p.classify(ctx, recordID, doc)
	if err != nil {
		return Result{InvoiceID: recordID, Status: invoice.StatusReceived}, err
	}
	if !verdict.IsInvoice {
		if err := p.store.TransitionStatus(ctx, recordID, invoice.StatusReceived, invoice.StatusNotInvoice); err != nil {
			return Result{InvoiceID: recordID}, fmt.Errorf("mark not invoice: %w", err)
		}
		log.Printf("invoice %s classified as not an invoice (confidence %.2f): %s", recordID, verdict.Confidence, verdict.Reason)
		return Result{InvoiceID: recordID, Status: invoice.StatusNotInvoice}, nil
	}
	if err := p.store.TransitionStatus(ctx, recordID, invoice.StatusReceived, invoice.StatusClassified); err != nil {
		return Result{InvoiceID: recordID}, fmt.Errorf("mark classified: %w", err)
	}

	return p.extract(ctx, recordID, doc)
}

// classify runs the classification gateway under the attempt ceiling. A
// record whose classification keeps failing stays in RECEIVED and is flagged
// for redelivery; there is no terminal state for an unclassifiable message.
func (p *Processor) classify(ctx context.Context, recordID string, doc gateway.Document) (gateway.Verdict, error) {
	var lastErr error
	for {
		verdict, err := p.classifier.Classify(ctx, doc)
		if err == nil {
			return verdict, nil
		}
		lastErr = err

		attempts, countErr := p.store.IncrementAttempts(ctx, recordID)
		if countErr != nil {
			return gateway.Verdict{}, fmt.Errorf("count classification attempt: %w", countErr)
		}
		if attempts >= p.maxAttempts {
			log.Printf("invoice %s classification gave up after %d attempts: %v", recordID, attempts, err)
			return gateway.Verdict{}, apperrors.Wrap(apperrors.CodeGatewayFailure, "classification attempts exhausted", lastErr)
		}
		if err := ctx.Err(); err != nil {
			return gateway.Verdict{}, err
		}
	}
}

// extract runs the extraction gateway under the attempt ceiling. Exhausted
// retries and partial results both end in EXTRACTION_FAILED; nothing partial
// is ever stored.
func (p *Processor) extract(ctx context.Context, recordID string, doc gateway.Document) (Result, error) {
	for {
		extraction, err := p.extractor.Extract(ctx, doc)
		if err == nil {
			fields, fieldsErr := extraction.Fields()
			if fieldsErr == nil {
				applyErr := p.store.ApplyExtraction(ctx, recordID, fields)
				if applyErr == nil {
					return Result{InvoiceID: recordID, Status: invoice.StatusExtracted}, nil
				}
				if !errors.Is(applyErr, invoice.ErrPartialExtraction) {
					return Result{InvoiceID: recordID}, fmt.Errorf("apply extraction: %w", applyErr)
				}
			}
			// Partial result or malformed due date: per policy this is a
			// terminal extraction failure, not a retry.
			return p.failExtraction(ctx, recordID)
		}

		attempts, countErr := p.store.IncrementAttempts(ctx, recordID)
		if countErr != nil {
			return Result{InvoiceID: recordID}, fmt.Errorf("count extraction attempt: %w", countErr)
		}
		if attempts >= p.maxAttempts {
			log.Printf("invoice %s extraction gave up after %d attempts: %v", recordID, attempts, err)
			return p.failExtraction(ctx, recordID)
		}
		if err := ctx.Err(); err != nil {
			return Result{InvoiceID: recordID}, err
		}
	}
}

func (p *Processor) failExtraction(ctx context.Context, recordID string) (Result, error) {
	if err := p.store.TransitionStatus(ctx, recordID, invoice.StatusClassified, invoice.StatusExtractionFailed); err != nil {
		return Result{InvoiceID: recordID}, fmt.Errorf("mark extraction failed: %w", err)
	}
	return Result{InvoiceID: recordID, Status: invoice.StatusExtractionFailed}, nil
}

// renderBody combines body text with an attachment note, matching what the
// extraction prompt expects to see.
func renderBody(parsed email.Parsed) string {
	pdfs := parsed.PDFAttachments()
	if len(pdfs) == 0 {
		return parsed.Body
	}
	note := fmt.Sprintf("\n\n[%d PDF attachment(s):", len(pdfs))
	for _, pdf := range pdfs {
		note += " " + pdf.Filename
	}
	note += "]"
	return parsed.Body + note
}
