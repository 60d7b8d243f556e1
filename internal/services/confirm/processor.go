// Package confirm applies payment-confirmation events to invoice records
// exactly once.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/storage"
)

// Outcome is the reported result of a submitted payment.
type Outcome string

const (
	// OutcomeSucceeded marks the payment as settled.
	OutcomeSucceeded Outcome = "SUCCEEDED"
	// OutcomeFailed marks the payment as failed.
	OutcomeFailed Outcome = "FAILED"
)

// ParseOutcome parses an outcome value.
func ParseOutcome(value string) (Outcome, bool) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(value))) {
	case OutcomeSucceeded:
		return OutcomeSucceeded, true
	case OutcomeFailed:
		return OutcomeFailed, true
	default:
		return "", false
	}
}

// Event is one confirmation delivery from the payment processor. Events are
// transient; only their id survives, in the dedup ledger.
type Event struct {
	EventID          string
	PaymentReference string
	Outcome          Outcome
	ReceivedAt       time.Time
}

// Result reports how an event was applied.
type Result struct {
	InvoiceID string
	// Applied is true when this delivery changed the record's state.
	Applied bool
	// Duplicate is true when the event id was already in the ledger.
	Duplicate bool
}

// Processor applies confirmation events under the two-phase protocol:
// guarded state transition first, ledger commit last. A crash between the
// two causes one redundant transition attempt on redelivery, never a lost
// or double-applied update.
type Processor struct {
	store storage.Store
	now   func() time.Time
}

// NewProcessor builds a confirmation processor.
func NewProcessor(store storage.Store, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	processor := &Processor{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(processor)
	}
	return processor, nil
}

// Option configures optional Processor behavior.
type Option func(*Processor)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Apply applies one confirmation event. Duplicate deliveries return success
// without touching the record. An unresolvable payment reference is an
// error and leaves the ledger unchanged so a corrected retry can still be
// applied.
func (p *Processor) Apply(ctx context.Context, event Event) (Result, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return Result{}, apperrors.New(apperrors.CodeConfirmationEmptyEventID, "confirmation event id is required")
	}
	if _, ok := ParseOutcome(string(event.Outcome)); !ok {
		return Result{}, apperrors.WithMetadata(
			apperrors.CodeConfirmationInvalidOutcome,
			"confirmation outcome is not recognized",
			map[string]string{"outcome": string(event.Outcome)},
		)
	}

	processed, err := p.store.EventProcessed(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("check event ledger: %w", err)
	}
	if processed {
		return Result{Duplicate: true}, nil
	}

	reference := strings.TrimSpace(event.PaymentReference)
	records, err := p.store.FindByPaymentReference(ctx, reference)
	if err != nil {
		return Result{}, fmt.Errorf("resolve payment reference: %w", err)
	}
	if len(records) != 1 {
		return Result{}, apperrors.WithMetadata(
			apperrors.CodeConfirmationUnresolvableReference,
			fmt.Sprintf("payment reference resolves to %d records, want exactly 1", len(records)),
			map[string]string{"payment_reference": reference},
		)
	}
	record := records[0]

	target := invoice.StatusPaid
	if event.Outcome == OutcomeFailed {
		target = invoice.StatusPaymentFailed
	}

	applied := true
	err = p.store.TransitionStatus(ctx, record.ID, invoice.StatusPaymentSubmitted, target)
	if errors.Is(err, storage.ErrStaleTransition) {
		// The record already left PAYMENT_SUBMITTED, typically because a
		// duplicate delivery raced this one. Benign; still ledger the event.
		log.Printf("confirmation %s for invoice %s is a no-op: record no longer awaits confirmation", eventID, record.ID)
		applied = false
	} else if err != nil {
		return Result{}, fmt.Errorf("apply confirmation transition: %w", err)
	}

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now().UTC()
	}
	if err := p.store.RecordEvent(ctx, eventID, receivedAt); err != nil {
		return Result{}, fmt.Errorf("commit event to ledger: %w", err)
	}
	return Result{InvoiceID: record.ID, Applied: applied}, nil
}
