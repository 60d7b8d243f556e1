// Package storage defines persistence contracts for invoice pipeline state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerline/payable/internal/invoice"
)

var (
	// ErrNotFound indicates a requested invoice record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStaleTransition indicates a guarded write observed a different stored
	// status than the caller expected. The caller re-reads and decides; the
	// record is untouched.
	ErrStaleTransition = errors.New("stored status does not match expected status")
)

// InvoiceStore persists invoice records and applies guarded status writes.
//
// Every status mutation is conditional on the previously observed status so
// that two competing writers for the same record never both succeed; the
// loser observes ErrStaleTransition. This is the only coordination mechanism
// between concurrently triggered pipeline stages.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, record invoice.Record) error
	GetInvoice(ctx context.Context, id string) (invoice.Record, error)

	// TransitionStatus applies from -> to if the stored status equals from.
	// It rejects edges outside the lifecycle DAG before touching storage.
	// Processing attempts reset on success.
	TransitionStatus(ctx context.Context, id string, from, to invoice.Status) error

	// ApplyExtraction advances CLASSIFIED -> EXTRACTED and writes the full
	// extracted field set in the same conditional update.
	ApplyExtraction(ctx context.Context, id string, fields invoice.ExtractedFields) error

	// SetPaymentReference advances PAYMENT_SCHEDULED -> PAYMENT_SUBMITTED and
	// records the processor-assigned reference. The reference column is
	// write-once: a record that already carries one is never overwritten.
	SetPaymentReference(ctx context.Context, id, paymentReference string) error

	// IncrementAttempts bumps the retry counter for the record's current
	// stage and returns the new count. It does not touch updated_at; only a
	// validated transition does.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// ListByStatusDueFirst returns all records with the given status ordered
	// by due date ascending, records without a due date first, ties broken
	// by id for determinism.
	ListByStatusDueFirst(ctx context.Context, status invoice.Status) ([]invoice.Record, error)

	// FindByPaymentReference returns every record carrying the reference.
	// Callers detect the zero and many cases themselves.
	FindByPaymentReference(ctx context.Context, paymentReference string) ([]invoice.Record, error)
}

// EventLedger records confirmation event ids that have already been applied.
type EventLedger interface {
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID string, receivedAt time.Time) error
}

// Store combines the persistence surfaces the pipeline services depend on.
type Store interface {
	InvoiceStore
	EventLedger
}
