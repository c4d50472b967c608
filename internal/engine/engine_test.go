package engine

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/rules"
)

func coffeeSet() *rules.Set {
	return rules.New([]rules.Rule{
		{
			Name:     "Coffee",
			Priority: 100,
			Conditions: []rules.Condition{
				{Kind: rules.VendorMatches, Patterns: []string{"starbucks"}},
			},
			Assign: rules.Assignment{PrimaryCategory: "Food & Drink", Confidence: 0.95},
		},
	}, rules.Assignment{PrimaryCategory: "Uncategorized", Confidence: 0.1})
}

func starbucksDoc() *domain.Document {
	return &domain.Document{
		ID:          "doc-1",
		DocType:     domain.DocTypeReceipt,
		Vendor:      "STARBUCKS #55",
		MerchantKey: "starbucks",
		Date:        time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC),
		Total:       6.40,
		Currency:    "USD",
	}
}

func TestCategorizeWinningRule(t *testing.T) {
	txs, err := New(coffeeSet()).Categorize(starbucksDoc())
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transaction count = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.PrimaryCategory != "Food & Drink" || tx.Confidence != 0.95 || tx.RuleName != "Coffee" {
		t.Errorf("transaction = %+v", tx)
	}
	if tx.MerchantKey != "starbucks" || tx.Amount != 6.40 {
		t.Errorf("transaction carries wrong document fields: %+v", tx)
	}
	if tx.LineItemID != nil {
		t.Error("document-level transaction has a line item id")
	}
}

func TestCategorizeDefaultFallback(t *testing.T) {
	doc := starbucksDoc()
	doc.Vendor = "Unknown Diner"
	doc.MerchantKey = "unknown diner"

	txs, err := New(coffeeSet()).Categorize(doc)
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	tx := txs[0]
	if tx.PrimaryCategory != "Uncategorized" || tx.Confidence != 0.1 {
		t.Errorf("default assignment not applied: %+v", tx)
	}
	if tx.RuleName != domain.DefaultRuleName {
		t.Errorf("rule name = %q, want %q", tx.RuleName, domain.DefaultRuleName)
	}
}

func TestCategorizeDeterministic(t *testing.T) {
	eng := New(coffeeSet())
	a, err := eng.Categorize(starbucksDoc())
	if err != nil {
		t.Fatal(err)
	}
	b, err := eng.Categorize(starbucksDoc())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("two runs over the same document differ:\n%+v\n%+v", a, b)
	}
}

func TestCategorizeLineItems(t *testing.T) {
	set := rules.New([]rules.Rule{
		{
			Name:     "Produce",
			Priority: 10,
			Conditions: []rules.Condition{
				{Kind: rules.LineItemContains, Patterns: []string{"banana"}},
			},
			Assign: rules.Assignment{PrimaryCategory: "Groceries", Confidence: 0.8, Tags: []string{"produce"}},
		},
	}, rules.Assignment{PrimaryCategory: "Uncategorized", Confidence: 0.1})

	doc := starbucksDoc()
	doc.LineItems = []domain.LineItem{
		{ID: 11, LineNumber: 1, Description: "Organic Bananas", Amount: 1.99},
		{ID: 12, LineNumber: 2, Description: "Paper Towels", Amount: 4.50},
	}

	txs, err := New(set).WithLineItems().Categorize(doc)
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("transaction count = %d, want 3 (document + 2 line items)", len(txs))
	}

	// Document level: "banana" appears in a line item description.
	if txs[0].RuleName != "Produce" {
		t.Errorf("document rule = %q, want Produce", txs[0].RuleName)
	}
	// Line items evaluate independently: only the banana line matches.
	if txs[1].RuleName != "Produce" || txs[1].Amount != 1.99 {
		t.Errorf("banana line transaction = %+v", txs[1])
	}
	if txs[2].RuleName != domain.DefaultRuleName {
		t.Errorf("towels line rule = %q, want default", txs[2].RuleName)
	}
	if txs[1].LineItemID == nil || *txs[1].LineItemID != 11 {
		t.Errorf("banana line id = %v, want 11", txs[1].LineItemID)
	}
	// Winning tags only; the towels line gets the defaults' (empty) tags.
	if len(txs[2].Tags) != 0 {
		t.Errorf("towels line tags = %v, want none", txs[2].Tags)
	}
}

func TestCategorizeMissingDate(t *testing.T) {
	set := rules.New([]rules.Rule{
		{
			Name:       "weekend",
			Conditions: []rules.Condition{{Kind: rules.WeekdayEquals, Weekday: 6}},
			Assign:     rules.Assignment{PrimaryCategory: "Weekend"},
		},
	}, rules.Assignment{})

	doc := starbucksDoc()
	doc.Date = time.Time{}

	_, err := New(set).Categorize(doc)
	var catErr *CategorizationError
	if !errors.As(err, &catErr) {
		t.Fatalf("err = %T (%v), want *CategorizationError", err, err)
	}
	if catErr.DocumentID != doc.ID {
		t.Errorf("error document id = %q, want %q", catErr.DocumentID, doc.ID)
	}
	if !errors.Is(err, rules.ErrMissingDate) {
		t.Error("CategorizationError does not unwrap to ErrMissingDate")
	}
}

func TestTransactionIDStablePerTarget(t *testing.T) {
	eng := New(coffeeSet())
	a, _ := eng.Categorize(starbucksDoc())
	b, _ := eng.Categorize(starbucksDoc())
	if a[0].ID != b[0].ID {
		t.Error("transaction id for the same target changed between runs")
	}

	other := starbucksDoc()
	other.ID = "doc-2"
	c, _ := eng.Categorize(other)
	if a[0].ID == c[0].ID {
		t.Error("different documents produced the same transaction id")
	}
}
