// Package payment submits scheduled invoices to the payment processor API.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/platform/timeouts"
)

// Config configures the payment processor client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client submits payments over HTTP. Each submission carries an idempotency
// key derived from the invoice id, so resubmitting the same invoice after a
// crash cannot double-pay it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a payment processor client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("payment processor base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("payment processor api key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.GatewayCall}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

type submitRequest struct {
	InvoiceID        string `json:"invoice_id"`
	VendorName       string `json:"vendor_name"`
	InvoiceReference string `json:"invoice_reference"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	DueDate          string `json:"due_date,omitempty"`
}

type submitResponse struct {
	PaymentReference string `json:"payment_reference"`
}

// Submit sends one scheduled invoice for payment and returns the
// processor-assigned payment reference.
func (c *Client) Submit(ctx context.Context, record invoice.Record) (string, error) {
	if !record.HasExtractedFields() {
		return "", fmt.Errorf("invoice %s is missing extracted fields", record.ID)
	}

	dueDate := ""
	if record.DueDate != nil {
		dueDate = record.DueDate.Format(invoice.DueDateLayout)
	}
	body, err := json.Marshal(submitRequest{
		InvoiceID:        record.ID,
		VendorName:       record.VendorName,
		InvoiceReference: record.InvoiceReference,
		Amount:           record.TotalAmount,
		Currency:         record.Currency,
		DueDate:          dueDate,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", IdempotencyKey(record.ID))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeGatewayFailure, "payment request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			detail = nil
		}
		return "", apperrors.WithMetadata(
			apperrors.CodeGatewayFailure,
			fmt.Sprintf("payment request status %d", res.StatusCode),
			map[string]string{"body": strings.TrimSpace(string(detail))},
		)
	}

	var payload submitResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", apperrors.Wrap(apperrors.CodeGatewayFailure, "decode payment response", err)
	}
	reference := strings.TrimSpace(payload.PaymentReference)
	if reference == "" {
		return "", apperrors.New(apperrors.CodeGatewayFailure, "payment response missing payment_reference")
	}
	return reference, nil
}

// IdempotencyKey derives a stable UUIDv5 key from the invoice id. The same
// invoice always produces the same key, which lets the processor deduplicate
// resubmissions after a crash between submit and the status write.
func IdempotencyKey(invoiceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(invoiceID)).String()
}

var _ gateway.PaymentSubmitter = (*Client)(nil)
