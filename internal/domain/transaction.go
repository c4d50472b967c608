package domain

import (
	"time"
)

// DefaultRuleName is recorded on a Transaction when no rule matched and the
// rule set's default assignment was applied.
const DefaultRuleName = "default"

// Transaction represents one categorization result for a document or for a
// single line item of a document. This is a domain struct, not a storage row;
// the store maps it into the transactions table. There is exactly one
// transaction per (document, line item) target and recategorization replaces
// it in place.
type Transaction struct {
	ID         string
	DocumentID string
	LineItemID *int64 // nil for the document-level transaction

	MerchantKey string
	Amount      float64
	Date        time.Time

	PrimaryCategory   string
	SecondaryCategory string
	Confidence        float64
	Tags              []string

	RuleName string // name of the winning rule, or DefaultRuleName
}

// Same reports whether two transactions carry identical categorization
// fields for the same target. Used to decide updated vs unchanged during
// recategorization; IDs and timestamps are not compared.
func (t Transaction) Same(o Transaction) bool {
	if t.DocumentID != o.DocumentID ||
		t.MerchantKey != o.MerchantKey ||
		t.Amount != o.Amount ||
		!t.Date.Equal(o.Date) ||
		t.PrimaryCategory != o.PrimaryCategory ||
		t.SecondaryCategory != o.SecondaryCategory ||
		t.Confidence != o.Confidence ||
		t.RuleName != o.RuleName {
		return false
	}
	if (t.LineItemID == nil) != (o.LineItemID == nil) {
		return false
	}
	if t.LineItemID != nil && *t.LineItemID != *o.LineItemID {
		return false
	}
	if len(t.Tags) != len(o.Tags) {
		return false
	}
	for i := range t.Tags {
		if t.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return true
}
