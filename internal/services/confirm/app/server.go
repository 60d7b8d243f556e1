// Package server hosts the payment-confirmation webhook service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/platform/timeouts"
	"github.com/ledgerline/payable/internal/services/confirm"
	"github.com/ledgerline/payable/internal/services/confirm/signature"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

// SignatureHeader carries the processor's delivery signature.
const SignatureHeader = "Payment-Signature"

// maxPayloadBytes bounds one webhook delivery.
const maxPayloadBytes = 1 << 20

// Event types delivered by the payment processor. Anything else is
// acknowledged and dropped.
const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// Config configures the webhook server.
type Config struct {
	Port          int
	StoragePath   string
	SigningSecret []byte
	// Tolerance bounds accepted signature timestamp skew. Zero means
	// signature.DefaultTolerance.
	Tolerance time.Duration
}

// Server hosts the confirmation webhook endpoints.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	processor  *confirm.Processor
	secret     []byte
	tolerance  time.Duration
	now        func() time.Time
}

// New creates a configured webhook server listening on the provided port.
func New(cfg Config) (*Server, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	store, err := sqlite.Open(cfg.StoragePath)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("open invoice store: %w", err)
	}
	processor, err := confirm.NewProcessor(store)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build confirmation processor: %w", err)
	}

	server := &Server{
		listener:  listener,
		store:     store,
		processor: processor,
		secret:    cfg.SigningSecret,
		tolerance: cfg.Tolerance,
		now:       time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhooks/payment", server.handleWebhook)
	mux.HandleFunc("GET /healthz", handleHealth)
	server.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "webhook"),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return server, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve starts the webhook server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	log.Printf("webhook server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// webhookPayload is the processor's delivery envelope.
type webhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	InvoiceID string `json:"invoice_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeWebhookInvalidPayload, "read request body", err))
		return
	}

	if err := signature.Verify(s.secret, raw, r.Header.Get(SignatureHeader), s.now(), s.tolerance); err != nil {
		log.Printf("reject webhook delivery: %v", err)
		writeError(w, err)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeWebhookInvalidPayload, "decode webhook payload", err))
		return
	}

	var outcome confirm.Outcome
	switch payload.Type {
	case eventPaymentSucceeded:
		outcome = confirm.OutcomeSucceeded
	case eventPaymentFailed:
		outcome = confirm.OutcomeFailed
	default:
		// Not a confirmation event. Acknowledge so the processor stops
		// redelivering; the ledger stays untouched.
		writeResponse(w, webhookResponse{Received: true})
		return
	}

	result, err := s.processor.Apply(r.Context(), confirm.Event{
		EventID:          payload.ID,
		PaymentReference: payload.Data.Object.ID,
		Outcome:          outcome,
		ReceivedAt:       s.now().UTC(),
	})
	if apperrors.IsCode(err, apperrors.CodeConfirmationUnresolvableReference) {
		// Redelivery would fail the same way. Acknowledge the delivery and
		// leave the event for manual replay once the reference resolves.
		log.Printf("hold webhook event %s: %v", payload.ID, err)
		writeResponse(w, webhookResponse{Received: true})
		return
	}
	if err != nil {
		log.Printf("apply webhook event %s: %v", payload.ID, err)
		writeError(w, err)
		return
	}

	writeResponse(w, webhookResponse{
		Received:  true,
		InvoiceID: result.InvoiceID,
		Duplicate: result.Duplicate,
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeResponse(w http.ResponseWriter, response webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close invoice store: %v", err)
	}
}
