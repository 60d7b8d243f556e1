package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ledgerline/payable/internal/invoice"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

type fakeSubmitter struct{}

func (fakeSubmitter) Submit(_ context.Context, record invoice.Record) (string, error) {
	return "pay-" + record.ID, nil
}

func TestRunSingleCycle(t *testing.T) {
	t.Parallel()

	storagePath := filepath.Join(t.TempDir(), "scheduler.db")
	seedExtracted(t, storagePath, "inv-1")

	r, err := New(Config{
		StoragePath: storagePath,
		Submitter:   fakeSubmitter{},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	// Zero interval: one cycle, then return.
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	store, err := sqlite.Open(storagePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	record, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if record.Status != invoice.StatusPaymentSubmitted {
		t.Fatalf("status = %q, want %q", record.Status, invoice.StatusPaymentSubmitted)
	}
}

func TestNewRequiresSubmitter(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		StoragePath: filepath.Join(t.TempDir(), "scheduler.db"),
	})
	if err == nil {
		t.Fatal("expected error for missing submitter")
	}
}

func seedExtracted(t *testing.T, storagePath, id string) {
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
		ID:     id,
		Status: invoice.StatusClassified,
	}); err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	if err := store.ApplyExtraction(context.Background(), id, invoice.ExtractedFields{
		VendorName:       "Acme Supplies",
		InvoiceReference: fmt.Sprintf("INV-%s", id),
		TotalAmount:      "100.00",
		Currency:         "USD",
	}); err != nil {
		t.Fatalf("seed extraction: %v", err)
	}
}
