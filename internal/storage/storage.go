// Package storage defines the store contract the categorization core
// consumes. The core never retries storage failures; retry policy belongs to
// the implementation or the caller.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finproc/internal/domain"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("storage: not found")

// DocumentFilter narrows ListDocuments. Zero values mean no constraint.
type DocumentFilter struct {
	DocType     domain.DocType
	MerchantKey string
	From, To    time.Time
	Limit       int
}

// Store provides persistence for documents, merchants and transactions.
type Store interface {
	// GetDocument retrieves a document with its line items.
	GetDocument(ctx context.Context, id string) (*domain.Document, error)

	// InsertDocument persists a document together with its line items in one
	// write transaction and assigns line item IDs on the passed document.
	InsertDocument(ctx context.Context, doc *domain.Document) error

	// ReplaceDocument overwrites a stored document (matched by fingerprint)
	// in place, replacing its line items. Used by explicit refresh only.
	ReplaceDocument(ctx context.Context, doc *domain.Document) error

	// FindByFingerprint returns the stored document carrying the fingerprint,
	// or ErrNotFound.
	FindByFingerprint(ctx context.Context, fp string) (*domain.Document, error)

	// ListDocuments retrieves documents matching the filter.
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*domain.Document, error)

	// UpsertMerchant creates or updates the merchant behind a key. Alias
	// registration is idempotent: re-upserting a known alias is a no-op.
	UpsertMerchant(ctx context.Context, m *domain.Merchant) error

	// GetMerchant retrieves a merchant by key, or ErrNotFound.
	GetMerchant(ctx context.Context, key string) (*domain.Merchant, error)

	// InsertOrReplaceTransaction writes the categorization result for one
	// (document, line item) target, replacing any previous result for the
	// same target.
	InsertOrReplaceTransaction(ctx context.Context, tx *domain.Transaction) error

	// TransactionsForDocument returns the stored transactions of a document,
	// document-level transaction first, then line items in line order.
	TransactionsForDocument(ctx context.Context, documentID string) ([]*domain.Transaction, error)
}
