package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleDocument(id, fp string) *domain.Document {
	return &domain.Document{
		ID:          id,
		DocType:     domain.DocTypeReceipt,
		SourceFile:  "scans/receipt.jpg",
		Vendor:      "SAFEWAY Store 12",
		MerchantKey: "safeway",
		Date:        time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC),
		Total:       17.94,
		Subtotal:    16.50,
		Tax:         1.44,
		Currency:    "USD",
		RawText:     "SAFEWAY\nMilk 2% $3.99\nTotal $17.94",
		Fingerprint: fp,
		LineItems: []domain.LineItem{
			{LineNumber: 1, Description: "Milk 2%", Quantity: 1, Amount: 3.99},
			{LineNumber: 2, Description: "Bananas", Quantity: 2.1, WeightQty: 2.1, WeightUnit: "lb", Amount: 1.49},
		},
		ExtractionConfidence: 0.9,
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := sampleDocument("doc-1", "fp-1")
	if err := store.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}
	if doc.LineItems[0].ID == 0 || doc.LineItems[1].ID == 0 {
		t.Fatal("line item ids not assigned on insert")
	}

	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Vendor != doc.Vendor || got.MerchantKey != doc.MerchantKey ||
		got.Total != doc.Total || got.Fingerprint != doc.Fingerprint {
		t.Errorf("got %+v, want %+v", got, doc)
	}
	if !got.Date.Equal(doc.Date) {
		t.Errorf("date = %v, want %v", got.Date, doc.Date)
	}
	if len(got.LineItems) != 2 || got.LineItems[1].WeightUnit != "lb" {
		t.Errorf("line items = %+v", got.LineItems)
	}

	byFP, err := store.FindByFingerprint(ctx, "fp-1")
	if err != nil {
		t.Fatalf("FindByFingerprint failed: %v", err)
	}
	if byFP.ID != "doc-1" {
		t.Errorf("FindByFingerprint id = %q", byFP.ID)
	}
}

func TestNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetDocument(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDocument err = %v, want ErrNotFound", err)
	}
	if _, err := store.FindByFingerprint(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindByFingerprint err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetMerchant(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMerchant err = %v, want ErrNotFound", err)
	}
}

func TestFingerprintUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.InsertDocument(ctx, sampleDocument("doc-1", "fp-same")); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertDocument(ctx, sampleDocument("doc-2", "fp-same")); err == nil {
		t.Fatal("second insert with the same fingerprint succeeded")
	}
	// The failed insert must not leave partial rows behind.
	if _, err := store.GetDocument(ctx, "doc-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("partial document present after failed insert: err = %v", err)
	}
}

func TestReplaceDocument(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.InsertDocument(ctx, sampleDocument("doc-1", "fp-1")); err != nil {
		t.Fatal(err)
	}
	refreshed := sampleDocument("doc-2", "fp-1")
	refreshed.SourceFile = "scans/better.jpg"
	if err := store.ReplaceDocument(ctx, refreshed); err != nil {
		t.Fatalf("ReplaceDocument failed: %v", err)
	}

	got, err := store.FindByFingerprint(ctx, "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "doc-2" || got.SourceFile != "scans/better.jpg" {
		t.Errorf("replaced document = %+v", got)
	}
	if _, err := store.GetDocument(ctx, "doc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("old document still present after replace")
	}
}

func TestListDocumentsFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := sampleDocument("doc-1", "fp-1")
	b := sampleDocument("doc-2", "fp-2")
	b.MerchantKey = "kroger"
	b.DocType = domain.DocTypeInvoice
	b.Date = time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []*domain.Document{a, b} {
		if err := store.InsertDocument(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListDocuments(ctx, storage.DocumentFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListDocuments all = %d docs, err %v", len(all), err)
	}
	if len(all[0].LineItems) == 0 {
		t.Error("listed documents missing line items")
	}

	tests := []struct {
		name   string
		filter storage.DocumentFilter
		want   []string
	}{
		{"by merchant", storage.DocumentFilter{MerchantKey: "kroger"}, []string{"doc-2"}},
		{"by type", storage.DocumentFilter{DocType: domain.DocTypeReceipt}, []string{"doc-1"}},
		{"by date from", storage.DocumentFilter{From: time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)}, []string{"doc-2"}},
		{"by date to", storage.DocumentFilter{To: time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)}, []string{"doc-1"}},
		{"limit", storage.DocumentFilter{Limit: 1}, []string{"doc-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.ListDocuments(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestUpsertMerchantIdempotentAliases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := &domain.Merchant{MerchantKey: "mcdonalds", DisplayName: "McDonald's", Aliases: []string{"MCDONALDS #1234"}}
	if err := store.UpsertMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	// Same alias again: no-op. New alias: appended.
	if err := store.UpsertMerchant(ctx, &domain.Merchant{
		MerchantKey: "mcdonalds",
		Aliases:     []string{"MCDONALDS #1234", "McDonald's"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetMerchant(ctx, "mcdonalds")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"MCDONALDS #1234", "McDonald's"}
	if !reflect.DeepEqual(got.Aliases, want) {
		t.Errorf("aliases = %v, want %v", got.Aliases, want)
	}
	if got.DisplayName != "McDonald's" {
		t.Errorf("display name = %q", got.DisplayName)
	}
}

func TestInsertOrReplaceTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := sampleDocument("doc-1", "fp-1")
	if err := store.InsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	lineID := doc.LineItems[0].ID
	txs := []domain.Transaction{
		{
			ID: "tx-doc", DocumentID: "doc-1", MerchantKey: "safeway",
			Amount: 17.94, Date: doc.Date,
			PrimaryCategory: "Groceries", Confidence: 0.8,
			Tags: []string{"food"}, RuleName: "Grocery",
		},
		{
			ID: "tx-line", DocumentID: "doc-1", LineItemID: &lineID, MerchantKey: "safeway",
			Amount: 3.99, Date: doc.Date,
			PrimaryCategory: "Dairy", Confidence: 0.7, RuleName: "Dairy",
		},
	}
	for i := range txs {
		if err := store.InsertOrReplaceTransaction(ctx, &txs[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.TransactionsForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("transaction count = %d, want 2", len(got))
	}
	// Document-level transaction first, then line items.
	if got[0].LineItemID != nil || got[1].LineItemID == nil {
		t.Errorf("ordering wrong: %+v", got)
	}
	if !reflect.DeepEqual(got[0].Tags, []string{"food"}) {
		t.Errorf("tags = %v", got[0].Tags)
	}

	// Replacing overwrites in place, never duplicates.
	update := txs[0]
	update.PrimaryCategory = "Food & Drink"
	update.RuleName = "Grocery v2"
	if err := store.InsertOrReplaceTransaction(ctx, &update); err != nil {
		t.Fatal(err)
	}
	got, err = store.TransactionsForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("replace duplicated: %d transactions", len(got))
	}
	if got[0].PrimaryCategory != "Food & Drink" || got[0].RuleName != "Grocery v2" {
		t.Errorf("replace did not update: %+v", got[0])
	}
}

func TestCascadeDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := sampleDocument("doc-1", "fp-1")
	if err := store.InsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	tx := domain.Transaction{
		ID: "tx-doc", DocumentID: "doc-1", MerchantKey: "safeway",
		Amount: 17.94, PrimaryCategory: "Groceries", RuleName: "Grocery",
	}
	if err := store.InsertOrReplaceTransaction(ctx, &tx); err != nil {
		t.Fatal(err)
	}

	// Replacing the document cascades its line items and transactions.
	if err := store.ReplaceDocument(ctx, sampleDocument("doc-2", "fp-1")); err != nil {
		t.Fatal(err)
	}
	got, err := store.TransactionsForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("transactions survived the cascade: %+v", got)
	}
}
