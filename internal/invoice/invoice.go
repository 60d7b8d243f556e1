// Package invoice models the invoice record lifecycle.
//
// Records move along a fixed directed acyclic path; all coordination between
// concurrent pipeline stages happens through guarded writes in storage, so
// this package only holds the pure rules: which edges exist, which field
// combinations are storable, and what counts as due.
package invoice

import (
	"strconv"
	"strings"
	"time"

	apperrors "github.com/ledgerline/payable/internal/errors"
)

// DueDateLayout is the wire and storage format for invoice due dates.
const DueDateLayout = "2006-01-02"

var (
	// ErrInvalidStatusTransition indicates a disallowed lifecycle edge.
	ErrInvalidStatusTransition = apperrors.New(apperrors.CodeInvoiceInvalidStatusTransition, "invoice status transition is not allowed")
	// ErrPartialExtraction indicates an extraction result missing required fields.
	ErrPartialExtraction = apperrors.New(apperrors.CodeInvoicePartialExtraction, "extraction result is missing required fields")
)

// Record is one processed inbound document and its payment lifecycle state.
type Record struct {
	ID                 string
	Status             Status
	VendorName         string
	InvoiceReference   string
	DueDate            *time.Time
	TotalAmount        string
	Currency           string
	PaymentReference   string
	ProcessingAttempts int
	SourceMessageID    string
	Subject            string
	Sender             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasExtractedFields reports whether the extraction stage populated the record.
func (r Record) HasExtractedFields() bool {
	return r.VendorName != "" && r.InvoiceReference != "" &&
		r.TotalAmount != "" && r.Currency != ""
}

// ExtractedFields is the structured field set produced by the extraction
// gateway. It is stored atomically: either the required fields are all
// present or the record keeps none of them. The due date alone may be
// absent; the scheduler treats such records as due immediately.
type ExtractedFields struct {
	VendorName       string
	InvoiceReference string
	DueDate          *time.Time
	TotalAmount      string
	Currency         string
}

// Normalize canonicalizes extracted fields and rejects partial sets.
func (f ExtractedFields) Normalize() (ExtractedFields, error) {
	f.VendorName = strings.TrimSpace(f.VendorName)
	f.InvoiceReference = strings.TrimSpace(f.InvoiceReference)
	f.TotalAmount = strings.TrimSpace(f.TotalAmount)
	f.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))

	if f.VendorName == "" || f.InvoiceReference == "" ||
		f.TotalAmount == "" || f.Currency == "" {
		return ExtractedFields{}, ErrPartialExtraction
	}
	amount, err := strconv.ParseFloat(f.TotalAmount, 64)
	if err != nil || amount <= 0 {
		return ExtractedFields{}, ErrPartialExtraction
	}
	if f.DueDate != nil {
		due := f.DueDate.UTC().Truncate(24 * time.Hour)
		f.DueDate = &due
	}
	return f, nil
}

// ParseDueDate parses a YYYY-MM-DD due date. An empty value is valid and
// returns nil: the extraction gateway reports missing dates that way.
func ParseDueDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.ParseInLocation(DueDateLayout, value, time.UTC)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// DueBy reports whether a record with the given due date is due on or before
// runDate. A missing due date is treated as due now, which keeps such
// records in the urgent bucket rather than stranding them.
func DueBy(due *time.Time, runDate time.Time) bool {
	if due == nil {
		return true
	}
	day := runDate.UTC().Truncate(24 * time.Hour)
	return !due.UTC().Truncate(24 * time.Hour).After(day)
}
