// Package scheduler selects due invoices and submits them for payment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/storage"
)

// DefaultMaxAttempts is the submission retry ceiling per record.
const DefaultMaxAttempts = 3

// Scheduler runs payment cycles over extracted invoices.
type Scheduler struct {
	store       storage.InvoiceStore
	submitter   gateway.PaymentSubmitter
	maxAttempts int
	windowDays  int
	now         func() time.Time
}

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithMaxAttempts overrides the submission retry ceiling.
func WithMaxAttempts(max int) Option {
	return func(s *Scheduler) {
		if max > 0 {
			s.maxAttempts = max
		}
	}
}

// WithPaymentWindow restricts the batch bucket to invoices due within the
// given number of days. Zero means no cutoff: every due-later invoice is
// batch-submitted on the same run.
func WithPaymentWindow(days int) Option {
	return func(s *Scheduler) {
		if days > 0 {
			s.windowDays = days
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a payment scheduler.
func New(store storage.InvoiceStore, submitter gateway.PaymentSubmitter, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	scheduler := &Scheduler{
		store:       store,
		submitter:   submitter,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(scheduler)
	}
	return scheduler, nil
}

// BucketReport summarizes one submission bucket of a run.
type BucketReport struct {
	Processed int
	Submitted int
	Failed    int
	Errors    []string
}

// RunReport summarizes one payment cycle.
type RunReport struct {
	RunDate  time.Time
	Urgent   BucketReport
	Batch    BucketReport
	Skipped  []string
	Deferred int
}

// RunCycle runs one payment cycle: urgent invoices (due on or before the run
// date, or with no due date) are submitted first in id order, then the batch
// bucket of later-due invoices. Previously claimed invoices whose submission
// failed are retried before new claims. Every state change is a guarded
// write; losing a guard means another run owns the record and it is skipped
// without error.
func (s *Scheduler) RunCycle(ctx context.Context) (RunReport, error) {
	runDate := s.now().UTC()
	report := RunReport{RunDate: runDate}

	// Claimed but unsubmitted records from earlier runs come first so a
	// crash between claim and submit cannot strand an invoice.
	claimed, err := s.store.ListByStatusDueFirst(ctx, invoice.StatusPaymentScheduled)
	if err != nil {
		return report, fmt.Errorf("list claimed invoices: %w", err)
	}
	extracted, err := s.store.ListByStatusDueFirst(ctx, invoice.StatusExtracted)
	if err != nil {
		return report, fmt.Errorf("list extracted invoices: %w", err)
	}

	var urgentRecords, batchRecords []invoice.Record
	for _, record := range append(claimed, extracted...) {
		if invoice.DueBy(record.DueDate, runDate) {
			urgentRecords = append(urgentRecords, record)
			continue
		}
		if s.windowDays > 0 {
			cutoff := runDate.Truncate(24 * time.Hour).AddDate(0, 0, s.windowDays)
			if record.DueDate.After(cutoff) {
				report.Deferred++
				continue
			}
		}
		batchRecords = append(batchRecords, record)
	}

	if err := s.processBucket(ctx, urgentRecords, &report.Urgent, &report); err != nil {
		return report, err
	}
	if err := s.processBucket(ctx, batchRecords, &report.Batch, &report); err != nil {
		return report, err
	}

	log.Printf("payment cycle complete: urgent %d/%d submitted, batch %d/%d submitted, %d skipped, %d deferred",
		report.Urgent.Submitted, report.Urgent.Processed,
		report.Batch.Submitted, report.Batch.Processed,
		len(report.Skipped), report.Deferred)
	return report, nil
}

func (s *Scheduler) processBucket(ctx context.Context, records []invoice.Record, bucket *BucketReport, report *RunReport) error {
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		if record.ProcessingAttempts >= s.maxAttempts {
			log.Printf("invoice %s skipped: %d submission attempts reached the ceiling", record.ID, record.ProcessingAttempts)
			report.Skipped = append(report.Skipped, record.ID)
			continue
		}

		if record.Status == invoice.StatusExtracted {
			err := s.store.TransitionStatus(ctx, record.ID, invoice.StatusExtracted, invoice.StatusPaymentScheduled)
			if errors.Is(err, storage.ErrStaleTransition) {
				// Another run claimed it first.
				continue
			}
			if err != nil {
				return fmt.Errorf("claim invoice %s: %w", record.ID, err)
			}
		}

		bucket.Processed++
		if s.submit(ctx, record, bucket) {
			bucket.Submitted++
		} else {
			bucket.Failed++
		}
	}
	return nil
}

func (s *Scheduler) submit(ctx context.Context, record invoice.Record, bucket *BucketReport) bool {
	reference, err := s.submitter.Submit(ctx, record)
	if err != nil {
		bucket.Errors = append(bucket.Errors, fmt.Sprintf("invoice %s: %v", record.ID, err))
		attempts, countErr := s.store.IncrementAttempts(ctx, record.ID)
		if countErr != nil {
			log.Printf("count submission attempt for %s: %v", record.ID, countErr)
			return false
		}
		if attempts >= s.maxAttempts {
			log.Printf("invoice %s flagged: submission failed %d times, giving up", record.ID, attempts)
		}
		return false
	}

	err = s.store.SetPaymentReference(ctx, record.ID, reference)
	if errors.Is(err, storage.ErrStaleTransition) {
		// Another worker finished the submission; the processor-side
		// idempotency key makes the duplicate submit harmless.
		return true
	}
	if err != nil {
		bucket.Errors = append(bucket.Errors, fmt.Sprintf("invoice %s: record payment reference: %v", record.ID, err))
		return false
	}
	return true
}
