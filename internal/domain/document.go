package domain

import (
	"time"
)

// DocType identifies the kind of financial document that was extracted.
type DocType string

const (
	DocTypeReceipt DocType = "receipt"
	DocTypeInvoice DocType = "invoice"
	DocTypePaystub DocType = "paystub"
)

// Document is one extracted financial document (receipt, invoice or paystub).
// Extraction happens upstream; by the time a Document reaches this engine the
// amounts and dates are already structured. MerchantKey and Fingerprint are
// filled in during ingestion.
type Document struct {
	ID         string  `json:"id"`
	DocType    DocType `json:"doc_type"`
	SourceFile string  `json:"source_file,omitempty"`

	Vendor      string `json:"vendor"`       // raw vendor string as extracted
	MerchantKey string `json:"merchant_key"` // canonical key, see internal/merchant

	Date time.Time `json:"date,omitzero"` // zero value means the extractor found no date

	Total    float64 `json:"total"`
	Subtotal float64 `json:"subtotal,omitempty"`
	Tax      float64 `json:"tax,omitempty"`
	Tip      float64 `json:"tip,omitempty"`
	Currency string  `json:"currency"`

	RawText   string     `json:"raw_text,omitempty"`
	LineItems []LineItem `json:"line_items,omitempty"`

	// Fingerprint is unique across all stored documents; a colliding
	// fingerprint marks a duplicate ingestion, not a new entity.
	Fingerprint string `json:"fingerprint,omitempty"`

	ExtractionConfidence float64 `json:"extraction_confidence,omitempty"`
}

// LineItem is one line of a Document. Line items are owned by their document
// and are cascade-deleted with it.
type LineItem struct {
	ID          int64   `json:"id,omitempty"`
	LineNumber  int     `json:"line_number"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity,omitempty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	Amount      float64 `json:"amount"`
	WeightQty   float64 `json:"weight_qty,omitempty"`
	WeightUnit  string  `json:"weight_unit,omitempty"`
	RawLine     string  `json:"raw_line,omitempty"`
}
