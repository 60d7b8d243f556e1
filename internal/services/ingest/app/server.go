// Package server hosts the ingest HTTP service.
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
	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/platform/timeouts"
	"github.com/ledgerline/payable/internal/services/ingest"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

// maxMessageBytes bounds one inbound raw message.
const maxMessageBytes = 25 << 20

// Config configures the ingest server.
type Config struct {
	Port        int
	StoragePath string
	Classifier  gateway.Classifier
	Extractor   gateway.Extractor
	MaxAttempts int
}

// Server hosts the ingest HTTP endpoints.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	processor  *ingest.Processor
}

// New creates a configured ingest server listening on the provided port.
func New(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	store, err := sqlite.Open(cfg.StoragePath)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("open invoice store: %w", err)
	}

	var opts []ingest.Option
	if cfg.MaxAttempts > 0 {
		opts = append(opts, ingest.WithMaxAttempts(cfg.MaxAttempts))
	}
	processor, err := ingest.NewProcessor(store, cfg.Classifier, cfg.Extractor, opts...)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build ingest processor: %w", err)
	}

	server := &Server{
		listener:  listener,
		store:     store,
		processor: processor,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/inbound-email", server.handleInboundEmail)
	mux.HandleFunc("GET /healthz", handleHealth)
	server.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "ingest"),
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

// Serve starts the ingest server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	log.Printf("ingest server listening at %v", s.listener.Addr())
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

type inboundResponse struct {
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
}

func (s *Server) handleInboundEmail(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeIngestUnparseableEmail, "read request body", err))
		return
	}

	result, err := s.processor.Process(r.Context(), raw)
	if err != nil {
		log.Printf("process inbound email: %v", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(inboundResponse{
		InvoiceID: result.InvoiceID,
		Status:    string(result.Status),
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
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
