// Package gateway defines the outbound call contracts the pipeline depends
// on: document classification, field extraction, and payment submission.
//
// Implementations live in subpackages; services accept these interfaces so
// tests can substitute deterministic fakes without network access.
package gateway

import (
	"context"

	"github.com/ledgerline/payable/internal/invoice"
)

// Document is the normalized inbound content handed to model calls.
type Document struct {
	Subject string
	Sender  string
	Body    string
}

// Verdict is a classification outcome for one document. Confidence is the
// model's self-reported certainty in [0, 1]; it is carried as-is and never
// re-ranked.
type Verdict struct {
	IsInvoice  bool
	Confidence float64
	Reason     string
}

// Extraction carries the raw field values reported by the extraction model.
// Values are untrimmed strings; invoice.ExtractedFields.Normalize decides
// what is storable.
type Extraction struct {
	VendorName       string
	InvoiceReference string
	DueDate          string
	TotalAmount      string
	Currency         string
}

// Classifier decides whether a document is an invoice.
type Classifier interface {
	Classify(ctx context.Context, doc Document) (Verdict, error)
}

// Extractor pulls structured invoice fields out of a document.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (Extraction, error)
}

// PaymentSubmitter submits one scheduled invoice for payment and returns the
// processor-assigned payment reference.
type PaymentSubmitter interface {
	Submit(ctx context.Context, record invoice.Record) (string, error)
}

// Fields converts a raw extraction into the storable field set. A malformed
// due date is an extraction failure, not a storage failure.
func (e Extraction) Fields() (invoice.ExtractedFields, error) {
	due, err := invoice.ParseDueDate(e.DueDate)
	if err != nil {
		return invoice.ExtractedFields{}, err
	}
	return invoice.ExtractedFields{
		VendorName:       e.VendorName,
		InvoiceReference: e.InvoiceReference,
		DueDate:          due,
		TotalAmount:      e.TotalAmount,
		Currency:         e.Currency,
	}, nil
}
