package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/services/confirm/signature"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

var testSecret = []byte("whsec_test_secret")

func startServer(t *testing.T) (string, string) {
	t.Helper()

	storagePath := filepath.Join(t.TempDir(), "confirm.db")
	seedStore(t, storagePath)

	server, err := New(Config{
		Port:          0,
		StoragePath:   storagePath,
		SigningSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	_, port, err := net.SplitHostPort(server.Addr())
	if err != nil {
		t.Fatalf("split server addr: %v", err)
	}
	return "http://" + net.JoinHostPort("127.0.0.1", port), storagePath
}

// seedStore leaves one invoice at PAYMENT_SUBMITTED under reference pay-1.
func seedStore(t *testing.T, storagePath string) {
	t.Helper()

	store, err := sqlite.Open(storagePath)
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close seed store: %v", err)
		}
	}()

	if err := store.CreateInvoice(context.Background(), invoice.Record{
		ID:     "inv-1",
		Status: invoice.StatusPaymentScheduled,
	}); err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	if err := store.SetPaymentReference(context.Background(), "inv-1", "pay-1"); err != nil {
		t.Fatalf("seed payment reference: %v", err)
	}
}

func invoiceStatus(t *testing.T, storagePath, id string) invoice.Status {
	t.Helper()

	store, err := sqlite.Open(storagePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	}()

	record, err := store.GetInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("get invoice %s: %v", id, err)
	}
	return record.Status
}

func deliver(t *testing.T, baseURL string, payload []byte, sign bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/webhooks/payment", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(SignatureHeader, signature.Sign(testSecret, time.Now(), payload))
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deliver webhook: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func eventPayload(eventID, eventType, reference string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"object":{"id":%q}}}`,
		eventID, eventType, reference,
	))
}

func TestWebhookAppliesSucceededEvent(t *testing.T) {
	t.Parallel()

	baseURL, storagePath := startServer(t)
	res := deliver(t, baseURL, eventPayload("evt-1", "payment_intent.succeeded", "pay-1"), true)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Received || payload.InvoiceID != "inv-1" {
		t.Fatalf("response = %+v, want received for inv-1", payload)
	}
	if status := invoiceStatus(t, storagePath, "inv-1"); status != invoice.StatusPaid {
		t.Fatalf("status = %q, want %q", status, invoice.StatusPaid)
	}
}

func TestWebhookAppliesFailedEvent(t *testing.T) {
	t.Parallel()

	baseURL, storagePath := startServer(t)
	res := deliver(t, baseURL, eventPayload("evt-1", "payment_intent.payment_failed", "pay-1"), true)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if status := invoiceStatus(t, storagePath, "inv-1"); status != invoice.StatusPaymentFailed {
		t.Fatalf("status = %q, want %q", status, invoice.StatusPaymentFailed)
	}
}

func TestWebhookRejectsUnsignedDelivery(t *testing.T) {
	t.Parallel()

	baseURL, storagePath := startServer(t)
	res := deliver(t, baseURL, eventPayload("evt-1", "payment_intent.succeeded", "pay-1"), false)

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if status := invoiceStatus(t, storagePath, "inv-1"); status != invoice.StatusPaymentSubmitted {
		t.Fatalf("status = %q, want %q untouched", status, invoice.StatusPaymentSubmitted)
	}
}

func TestWebhookAcknowledgesUnknownEventType(t *testing.T) {
	t.Parallel()

	baseURL, storagePath := startServer(t)
	res := deliver(t, baseURL, eventPayload("evt-1", "payment_intent.created", "pay-1"), true)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if status := invoiceStatus(t, storagePath, "inv-1"); status != invoice.StatusPaymentSubmitted {
		t.Fatalf("status = %q, want %q untouched", status, invoice.StatusPaymentSubmitted)
	}
}

func TestWebhookHoldsUnresolvableReference(t *testing.T) {
	t.Parallel()

	baseURL, _ := startServer(t)
	res := deliver(t, baseURL, eventPayload("evt-1", "payment_intent.succeeded", "pay-unknown"), true)

	// Acknowledged so the processor does not redeliver; the event is held
	// for manual replay.
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.InvoiceID != "" {
		t.Fatalf("response = %+v, want no invoice id", payload)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	t.Parallel()

	baseURL, _ := startServer(t)
	payload := eventPayload("evt-1", "payment_intent.succeeded", "pay-1")
	first := deliver(t, baseURL, payload, true)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.StatusCode, http.StatusOK)
	}

	second := deliver(t, baseURL, payload, true)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d, want %d", second.StatusCode, http.StatusOK)
	}
	var response webhookResponse
	if err := json.NewDecoder(second.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.Duplicate {
		t.Fatalf("response = %+v, want duplicate", response)
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	baseURL, _ := startServer(t)
	payload := []byte("not json")
	res := deliver(t, baseURL, payload, true)

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	baseURL, _ := startServer(t)
	res, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}
