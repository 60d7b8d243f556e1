// Package openai implements document classification and field extraction
// against the OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/gateway"
)

const (
	// DefaultModel balances cost against the narrow JSON tasks in this
	// package.
	DefaultModel = "gpt-4o-mini"

	defaultMaxTries = 3

	classifySystemPrompt = "You review inbound business email and decide whether it contains an invoice " +
		"requesting payment. Respond with a JSON object of the form " +
		`{"is_invoice": true|false, "confidence": 0.0-1.0, "reason": "short explanation"}. ` +
		"Marketing mail, statements, and payment confirmations are not invoices."

	extractSystemPrompt = "You extract structured invoice fields from business documents. Respond with a " +
		"JSON object of the form " +
		`{"vendor_name": "", "invoice_reference": "", "due_date": "YYYY-MM-DD", "total_amount": "", "currency": ""}. ` +
		"Use an empty string for any field the document does not state. Never guess values."
)

// Config configures the OpenAI gateway client.
type Config struct {
	APIKey   string
	Model    string
	MaxTries int
}

// Client calls the chat completions API with JSON-object response formatting.
type Client struct {
	api      openai.Client
	model    string
	maxTries int
}

// NewClient builds an OpenAI gateway client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = defaultMaxTries
	}
	return &Client{
		api:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:    model,
		maxTries: maxTries,
	}, nil
}

// Classify decides whether the document is an invoice.
func (c *Client) Classify(ctx context.Context, doc gateway.Document) (gateway.Verdict, error) {
	content, err := c.complete(ctx, classifySystemPrompt, renderDocument(doc))
	if err != nil {
		return gateway.Verdict{}, err
	}
	verdict, err := parseVerdict(content)
	if err != nil {
		return gateway.Verdict{}, apperrors.Wrap(apperrors.CodeGatewayFailure, "classification response is not parseable", err)
	}
	return verdict, nil
}

// Extract pulls structured invoice fields out of the document.
func (c *Client) Extract(ctx context.Context, doc gateway.Document) (gateway.Extraction, error) {
	content, err := c.complete(ctx, extractSystemPrompt, renderDocument(doc))
	if err != nil {
		return gateway.Extraction{}, err
	}
	extraction, err := parseExtraction(content)
	if err != nil {
		return gateway.Extraction{}, apperrors.Wrap(apperrors.CodeGatewayFailure, "extraction response is not parseable", err)
	}
	return extraction, nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	operation := func() (string, error) {
		completion, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(userPrompt),
			},
			Temperature: openai.Float(0),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		})
		if err != nil {
			if !retryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if len(completion.Choices) == 0 {
			return "", backoff.Permanent(fmt.Errorf("completion has no choices"))
		}
		content := strings.TrimSpace(completion.Choices[0].Message.Content)
		if content == "" {
			return "", backoff.Permanent(fmt.Errorf("completion content is empty"))
		}
		return content, nil
	}

	content, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.maxTries)),
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeGatewayFailure, "chat completion failed", err)
	}
	return content, nil
}

// retryable keeps rate limits and server faults inside the retry loop while
// failing fast on request errors the retry cannot fix.
func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.StatusCode >= 500
	}
	return true
}

func renderDocument(doc gateway.Document) string {
	var b strings.Builder
	b.WriteString("Subject: ")
	b.WriteString(strings.TrimSpace(doc.Subject))
	b.WriteString("\nFrom: ")
	b.WriteString(strings.TrimSpace(doc.Sender))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(doc.Body))
	return b.String()
}

func parseVerdict(content string) (gateway.Verdict, error) {
	var payload struct {
		IsInvoice  *bool   `json:"is_invoice"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return gateway.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if payload.IsInvoice == nil {
		return gateway.Verdict{}, fmt.Errorf("verdict missing is_invoice")
	}
	return gateway.Verdict{
		IsInvoice:  *payload.IsInvoice,
		Confidence: payload.Confidence,
		Reason:     strings.TrimSpace(payload.Reason),
	}, nil
}

func parseExtraction(content string) (gateway.Extraction, error) {
	var payload struct {
		VendorName       string `json:"vendor_name"`
		InvoiceReference string `json:"invoice_reference"`
		DueDate          string `json:"due_date"`
		TotalAmount      string `json:"total_amount"`
		Currency         string `json:"currency"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return gateway.Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return gateway.Extraction{
		VendorName:       payload.VendorName,
		InvoiceReference: payload.InvoiceReference,
		DueDate:          payload.DueDate,
		TotalAmount:      payload.TotalAmount,
		Currency:         payload.Currency,
	}, nil
}

var (
	_ gateway.Classifier = (*Client)(nil)
	_ gateway.Extractor  = (*Client)(nil)
)
