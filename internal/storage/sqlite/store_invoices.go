package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/storage"
)

const invoiceColumns = `id, status, vendor_name, invoice_reference, due_date,
	        total_amount, currency, payment_reference, processing_attempts,
	        source_message_id, subject, sender, created_at, updated_at`

// CreateInvoice inserts one invoice record.
func (s *Store) CreateInvoice(ctx context.Context, record invoice.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("invoice id is required")
	}
	status := record.Status
	if status == invoice.StatusUnspecified {
		status = invoice.StatusReceived
	}
	createdAt := record.CreatedAt.UTC()
	updatedAt := record.UpdatedAt.UTC()
	if createdAt.IsZero() && updatedAt.IsZero() {
		createdAt = time.Now().UTC()
		updatedAt = createdAt
	} else {
		if createdAt.IsZero() {
			createdAt = updatedAt
		}
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO invoices (
		   id,
		   status,
		   vendor_name,
		   invoice_reference,
		   due_date,
		   total_amount,
		   currency,
		   payment_reference,
		   processing_attempts,
		   source_message_id,
		   subject,
		   sender,
		   created_at,
		   updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		string(status),
		nullableText(record.VendorName),
		nullableText(record.InvoiceReference),
		nullableDate(record.DueDate),
		nullableText(record.TotalAmount),
		nullableText(record.Currency),
		nullableText(record.PaymentReference),
		record.ProcessingAttempts,
		nullableText(record.SourceMessageID),
		nullableText(record.Subject),
		nullableText(record.Sender),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "invoices.id") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

// GetInvoice returns one invoice record by id.
func (s *Store) GetInvoice(ctx context.Context, id string) (invoice.Record, error) {
	if err := ctx.Err(); err != nil {
		return invoice.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invoice.Record{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return invoice.Record{}, fmt.Errorf("invoice id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+invoiceColumns+`
		   FROM invoices
		  WHERE id = ?`,
		id,
	)
	record, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invoice.Record{}, storage.ErrNotFound
		}
		return invoice.Record{}, fmt.Errorf("get invoice: %w", err)
	}
	return record, nil
}

// TransitionStatus applies a guarded status change conditioned on the
// previously observed status. Exactly one of two competing writers with the
// same expected status succeeds; the other observes ErrStaleTransition.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to invoice.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("invoice id is required")
	}
	if !invoice.TransitionAllowed(from, to) {
		return invoice.ErrInvalidStatusTransition
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE invoices
		    SET status = ?, processing_attempts = 0, updated_at = ?
		  WHERE id = ? AND status = ?`,
		string(to),
		toMillis(time.Now().UTC()),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	return s.guardOutcome(ctx, result, id)
}

// ApplyExtraction advances CLASSIFIED -> EXTRACTED and writes the extracted
// field set in the same conditional update, so a partial write is never
// visible.
func (s *Store) ApplyExtraction(ctx context.Context, id string, fields invoice.ExtractedFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("invoice id is required")
	}
	normalized, err := fields.Normalize()
	if err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE invoices
		    SET status = ?,
		        vendor_name = ?,
		        invoice_reference = ?,
		        due_date = ?,
		        total_amount = ?,
		        currency = ?,
		        processing_attempts = 0,
		        updated_at = ?
		  WHERE id = ? AND status = ?`,
		string(invoice.StatusExtracted),
		normalized.VendorName,
		normalized.InvoiceReference,
		nullableDate(normalized.DueDate),
		normalized.TotalAmount,
		normalized.Currency,
		toMillis(time.Now().UTC()),
		id,
		string(invoice.StatusClassified),
	)
	if err != nil {
		return fmt.Errorf("apply extraction: %w", err)
	}
	return s.guardOutcome(ctx, result, id)
}

// SetPaymentReference advances PAYMENT_SCHEDULED -> PAYMENT_SUBMITTED. The
// additional payment_reference IS NULL condition makes the reference
// write-once even if two submitters race.
func (s *Store) SetPaymentReference(ctx context.Context, id, paymentReference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("invoice id is required")
	}
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return fmt.Errorf("payment reference is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE invoices
		    SET status = ?, payment_reference = ?, processing_attempts = 0, updated_at = ?
		  WHERE id = ? AND status = ? AND payment_reference IS NULL`,
		string(invoice.StatusPaymentSubmitted),
		paymentReference,
		toMillis(time.Now().UTC()),
		id,
		string(invoice.StatusPaymentScheduled),
	)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}
	return s.guardOutcome(ctx, result, id)
}

// IncrementAttempts bumps the stage retry counter and returns the new count.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, fmt.Errorf("invoice id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`UPDATE invoices
		    SET processing_attempts = processing_attempts + 1
		  WHERE id = ?
		  RETURNING processing_attempts`,
		id,
	)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// ListByStatusDueFirst returns records with the given status ordered by due
// date ascending. Records without a due date sort first: a missing due date
// is treated as due now. Ties break by id for deterministic runs.
func (s *Store) ListByStatusDueFirst(ctx context.Context, status invoice.Status) ([]invoice.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+invoiceColumns+`
		   FROM invoices
		  WHERE status = ?
		  ORDER BY CASE WHEN due_date IS NULL THEN 0 ELSE 1 END, due_date ASC, id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list invoices by status: %w", err)
	}
	defer rows.Close()

	var records []invoice.Record
	for rows.Next() {
		record, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("list invoices by status: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invoices by status: %w", err)
	}
	return records, nil
}

// FindByPaymentReference returns every record carrying the reference.
func (s *Store) FindByPaymentReference(ctx context.Context, paymentReference string) ([]invoice.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, fmt.Errorf("payment reference is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+invoiceColumns+`
		   FROM invoices
		  WHERE payment_reference = ?
		  ORDER BY id ASC`,
		paymentReference,
	)
	if err != nil {
		return nil, fmt.Errorf("find by payment reference: %w", err)
	}
	defer rows.Close()

	var records []invoice.Record
	for rows.Next() {
		record, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("find by payment reference: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find by payment reference: %w", err)
	}
	return records, nil
}

// guardOutcome distinguishes a stale conditional write from a missing record.
func (s *Store) guardOutcome(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("guarded write outcome: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var one int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE id = ?`, id)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("guarded write outcome: %w", err)
	}
	return storage.ErrStaleTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (invoice.Record, error) {
	var record invoice.Record
	var status string
	var vendorName, invoiceReference, dueDate sql.NullString
	var totalAmount, currency, paymentReference sql.NullString
	var sourceMessageID, subject, sender sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(
		&record.ID,
		&status,
		&vendorName,
		&invoiceReference,
		&dueDate,
		&totalAmount,
		&currency,
		&paymentReference,
		&record.ProcessingAttempts,
		&sourceMessageID,
		&subject,
		&sender,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return invoice.Record{}, err
	}

	parsedStatus, ok := invoice.ParseStatus(status)
	if !ok {
		return invoice.Record{}, fmt.Errorf("stored status %q is not a known status", status)
	}
	record.Status = parsedStatus
	record.VendorName = vendorName.String
	record.InvoiceReference = invoiceReference.String
	record.TotalAmount = totalAmount.String
	record.Currency = currency.String
	record.PaymentReference = paymentReference.String
	record.SourceMessageID = sourceMessageID.String
	record.Subject = subject.String
	record.Sender = sender.String
	if dueDate.Valid {
		due, err := invoice.ParseDueDate(dueDate.String)
		if err != nil {
			return invoice.Record{}, fmt.Errorf("stored due date %q: %w", dueDate.String, err)
		}
		record.DueDate = due
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func nullableText(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullableDate(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(invoice.DueDateLayout)
}
