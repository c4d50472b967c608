// Package engine selects the winning categorization rule for a document and
// turns it into transaction records. The engine is pure: results are returned
// to the caller, never persisted here.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/rules"
)

// CategorizationError marks a document that could not be categorized, e.g.
// one missing a field a reached condition requires. Batch callers record it
// per document and keep going.
type CategorizationError struct {
	DocumentID string
	Err        error
}

func (e *CategorizationError) Error() string {
	return fmt.Sprintf("categorize document %s: %v", e.DocumentID, e.Err)
}

func (e *CategorizationError) Unwrap() error {
	return e.Err
}

// Engine evaluates a rule set against documents. A single Engine may be
// shared across goroutines; the rule set it holds is immutable.
type Engine struct {
	set *rules.Set

	// lineItems enables one extra transaction per line item, evaluated
	// independently of the document-level result.
	lineItems bool
}

// New creates an engine over an immutable rule set.
func New(set *rules.Set) *Engine {
	return &Engine{set: set}
}

// WithLineItems returns an engine that also categorizes each line item.
func (e *Engine) WithLineItems() *Engine {
	return &Engine{set: e.set, lineItems: true}
}

// Categorize runs the rule set against the document and, when line-item
// granularity is enabled, independently against each of its line items.
// The document-level transaction is always first in the result.
func (e *Engine) Categorize(doc *domain.Document) ([]domain.Transaction, error) {
	rule, err := e.set.Match(doc)
	if err != nil {
		return nil, &CategorizationError{DocumentID: doc.ID, Err: err}
	}
	txs := []domain.Transaction{e.buildTransaction(doc, nil, rule)}

	if e.lineItems {
		for i := range doc.LineItems {
			item := &doc.LineItems[i]
			rule, err := e.set.MatchLineItem(doc, item)
			if err != nil {
				return nil, &CategorizationError{DocumentID: doc.ID, Err: err}
			}
			txs = append(txs, e.buildTransaction(doc, item, rule))
		}
	}
	return txs, nil
}

// buildTransaction materializes the winning assignment (or the defaults when
// rule is nil) for one evaluation target. Only the winning assignment's tags
// are carried; tags from non-matching rules are never merged in.
func (e *Engine) buildTransaction(doc *domain.Document, item *domain.LineItem, rule *rules.Rule) domain.Transaction {
	assign := e.set.Defaults()
	name := domain.DefaultRuleName
	if rule != nil {
		assign = rule.Assign
		name = rule.Name
	}

	tx := domain.Transaction{
		ID:                transactionID(doc, item),
		DocumentID:        doc.ID,
		MerchantKey:       doc.MerchantKey,
		Amount:            doc.Total,
		Date:              doc.Date,
		PrimaryCategory:   assign.PrimaryCategory,
		SecondaryCategory: assign.SecondaryCategory,
		Confidence:        assign.Confidence,
		Tags:              append([]string(nil), assign.Tags...),
		RuleName:          name,
	}
	if item != nil {
		itemID := item.ID
		tx.LineItemID = &itemID
		tx.Amount = item.Amount
	}
	return tx
}

// transactionID derives a stable id for a (document, line item) target so
// that recategorizing the same target always replaces the same row.
func transactionID(doc *domain.Document, item *domain.LineItem) string {
	name := doc.ID
	if item != nil {
		name = fmt.Sprintf("%s/%d", doc.ID, item.ID)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
