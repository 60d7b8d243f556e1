package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/ledgerline/payable/internal/errors"
	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

type fakeClassifier struct {
	verdict  gateway.Verdict
	failures int
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, _ gateway.Document) (gateway.Verdict, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return gateway.Verdict{}, apperrors.New(apperrors.CodeGatewayFailure, "classifier unavailable")
	}
	return f.verdict, nil
}

type fakeExtractor struct {
	extraction gateway.Extraction
	failures   int
	calls      int
}

func (f *fakeExtractor) Extract(_ context.Context, _ gateway.Document) (gateway.Extraction, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return gateway.Extraction{}, apperrors.New(apperrors.CodeGatewayFailure, "extractor unavailable")
	}
	return f.extraction, nil
}

func invoiceEmail() []byte {
	return []byte(strings.Join([]string{
		"Message-ID: <msg-1@mail.test>",
		"From: billing@acme.test",
		"Subject: Invoice INV-42",
		"Content-Type: text/plain",
		"",
		"Amount due: 1250.00 USD by 2026-03-15.",
	}, "\r\n"))
}

func completeExtraction() gateway.Extraction {
	return gateway.Extraction{
		VendorName:       "Acme Supplies",
		InvoiceReference: "INV-42",
		DueDate:          "2026-03-15",
		TotalAmount:      "1250.00",
		Currency:         "USD",
	}
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "payable.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestProcessInvoiceEndsExtracted(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}},
		&fakeExtractor{extraction: completeExtraction()},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusExtracted {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusExtracted)
	}

	record, err := store.GetInvoice(context.Background(), result.InvoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if record.VendorName != "Acme Supplies" || record.TotalAmount != "1250.00" {
		t.Fatalf("record = %+v, want extracted fields stored", record)
	}
	if record.SourceMessageID != "msg-1@mail.test" {
		t.Fatalf("source message id = %q, want msg-1@mail.test", record.SourceMessageID)
	}
}

func TestProcessNonInvoiceEndsNotInvoice(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	extractor := &fakeExtractor{extraction: completeExtraction()}
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: false, Reason: "newsletter"}},
		extractor,
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusNotInvoice {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusNotInvoice)
	}
	if extractor.calls != 0 {
		t.Fatalf("extractor calls = %d, want 0 for non-invoice", extractor.calls)
	}
}

func TestProcessClassifierExhaustionLeavesReceived(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	classifier := &fakeClassifier{failures: 10}
	processor, err := NewProcessor(store, classifier,
		&fakeExtractor{extraction: completeExtraction()},
		WithMaxAttempts(3),
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if !apperrors.IsCode(err, apperrors.CodeGatewayFailure) {
		t.Fatalf("process error = %v, want code %s", err, apperrors.CodeGatewayFailure)
	}
	if result.Status != invoice.StatusReceived {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusReceived)
	}
	if classifier.calls != 3 {
		t.Fatalf("classifier calls = %d, want ceiling of 3", classifier.calls)
	}

	record, getErr := store.GetInvoice(context.Background(), result.InvoiceID)
	if getErr != nil {
		t.Fatalf("get invoice: %v", getErr)
	}
	if record.Status != invoice.StatusReceived {
		t.Fatalf("stored status = %q, want %q", record.Status, invoice.StatusReceived)
	}
	if record.ProcessingAttempts != 3 {
		t.Fatalf("processing_attempts = %d, want 3", record.ProcessingAttempts)
	}
}

func TestProcessClassifierRecoversWithinCeiling(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}, failures: 2},
		&fakeExtractor{extraction: completeExtraction()},
		WithMaxAttempts(3),
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusExtracted {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusExtracted)
	}
}

func TestProcessPartialExtractionEndsExtractionFailed(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}},
		&fakeExtractor{extraction: gateway.Extraction{VendorName: "Acme Supplies"}},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusExtractionFailed {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusExtractionFailed)
	}

	record, getErr := store.GetInvoice(context.Background(), result.InvoiceID)
	if getErr != nil {
		t.Fatalf("get invoice: %v", getErr)
	}
	if record.VendorName != "" {
		t.Fatalf("vendor_name = %q, want nothing stored for partial extraction", record.VendorName)
	}
}

func TestProcessExtractorExhaustionEndsExtractionFailed(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	extractor := &fakeExtractor{failures: 10}
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}},
		extractor,
		WithMaxAttempts(2),
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusExtractionFailed {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusExtractionFailed)
	}
	if extractor.calls != 2 {
		t.Fatalf("extractor calls = %d, want ceiling of 2", extractor.calls)
	}
}

func TestProcessMalformedDueDateEndsExtractionFailed(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	extraction := completeExtraction()
	extraction.DueDate = "03/15/2026"
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}},
		&fakeExtractor{extraction: extraction},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), invoiceEmail())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != invoice.StatusExtractionFailed {
		t.Fatalf("status = %q, want %q", result.Status, invoice.StatusExtractionFailed)
	}
}

func TestProcessRejectsUnparseableEmail(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	processor, err := NewProcessor(store,
		&fakeClassifier{verdict: gateway.Verdict{IsInvoice: true}},
		&fakeExtractor{extraction: completeExtraction()},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	if _, err := processor.Process(context.Background(), []byte("  ")); !apperrors.IsCode(err, apperrors.CodeIngestUnparseableEmail) {
		t.Fatalf("process error = %v, want code %s", err, apperrors.CodeIngestUnparseableEmail)
	}
}
