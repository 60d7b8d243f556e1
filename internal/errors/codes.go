// Package errors provides structured error handling for the invoice pipeline.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Invoice errors
	CodeInvoiceNotFound                Code = "INVOICE_NOT_FOUND"
	CodeInvoiceStaleTransition         Code = "INVOICE_STALE_TRANSITION"
	CodeInvoiceInvalidStatusTransition Code = "INVOICE_INVALID_STATUS_TRANSITION"
	CodeInvoicePartialExtraction       Code = "INVOICE_PARTIAL_EXTRACTION"
	CodeInvoiceAlreadyExists           Code = "INVOICE_ALREADY_EXISTS"

	// Confirmation errors
	CodeConfirmationUnresolvableReference Code = "CONFIRMATION_UNRESOLVABLE_REFERENCE"
	CodeConfirmationEmptyEventID          Code = "CONFIRMATION_EMPTY_EVENT_ID"
	CodeConfirmationInvalidOutcome        Code = "CONFIRMATION_INVALID_OUTCOME"

	// Gateway errors
	CodeGatewayFailure Code = "GATEWAY_FAILURE"

	// Webhook boundary errors
	CodeWebhookInvalidSignature Code = "WEBHOOK_INVALID_SIGNATURE"
	CodeWebhookInvalidPayload   Code = "WEBHOOK_INVALID_PAYLOAD"

	// Ingest errors
	CodeIngestUnparseableEmail Code = "INGEST_UNPARSEABLE_EMAIL"
)

// HTTPStatus maps domain codes to HTTP status codes for boundary responses.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeConfirmationEmptyEventID,
		CodeConfirmationInvalidOutcome,
		CodeWebhookInvalidPayload,
		CodeIngestUnparseableEmail,
		CodeInvoicePartialExtraction:
		return http.StatusBadRequest

	// Unauthorized - the request never reaches the processor
	case CodeWebhookInvalidSignature:
		return http.StatusUnauthorized

	// Conflict - state doesn't allow the operation
	case CodeInvoiceStaleTransition,
		CodeInvoiceInvalidStatusTransition,
		CodeInvoiceAlreadyExists:
		return http.StatusConflict

	// Not found - resource doesn't exist
	case CodeInvoiceNotFound:
		return http.StatusNotFound

	// Upstream dependency failed
	case CodeGatewayFailure:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
