package invoice

import "strings"

// Status describes the invoice lifecycle label stored on a record.
//
// Values are UPPER_SNAKE to match what the payment pipeline persists and
// what confirmation callers send back.
type Status string

const (
	StatusUnspecified      Status = ""
	StatusReceived         Status = "RECEIVED"
	StatusNotInvoice       Status = "NOT_INVOICE"
	StatusClassified       Status = "CLASSIFIED"
	StatusExtractionFailed Status = "EXTRACTION_FAILED"
	StatusExtracted        Status = "EXTRACTED"
	StatusPaymentScheduled Status = "PAYMENT_SCHEDULED"
	StatusPaymentSubmitted Status = "PAYMENT_SUBMITTED"
	StatusPaid             Status = "PAID"
	StatusPaymentFailed    Status = "PAYMENT_FAILED"
)

// ParseStatus canonicalizes a status label.
func ParseStatus(value string) (Status, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return StatusUnspecified, false
	}
	switch Status(trimmed) {
	case StatusReceived, StatusNotInvoice, StatusClassified, StatusExtractionFailed,
		StatusExtracted, StatusPaymentScheduled, StatusPaymentSubmitted,
		StatusPaid, StatusPaymentFailed:
		return Status(trimmed), true
	default:
		return StatusUnspecified, false
	}
}

// TransitionAllowed enforces the invoice lifecycle DAG. Every edge is
// forward-only; a record never skips or revisits a stage.
func TransitionAllowed(from, to Status) bool {
	switch from {
	case StatusReceived:
		return to == StatusClassified || to == StatusNotInvoice
	case StatusClassified:
		return to == StatusExtracted || to == StatusExtractionFailed
	case StatusExtracted:
		return to == StatusPaymentScheduled
	case StatusPaymentScheduled:
		return to == StatusPaymentSubmitted
	case StatusPaymentSubmitted:
		return to == StatusPaid || to == StatusPaymentFailed
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition leaves this status.
func Terminal(status Status) bool {
	switch status {
	case StatusNotInvoice, StatusExtractionFailed, StatusPaid, StatusPaymentFailed:
		return true
	default:
		return false
	}
}
