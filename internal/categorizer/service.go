// Package categorizer orchestrates fingerprint-checked ingestion and rule
// evaluation across single documents and batches. The ingest order is fixed:
// normalize, fingerprint, dedup check, categorize — a duplicate never reaches
// categorization.
package categorizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/engine"
	"github.com/dvloznov/finproc/internal/fingerprint"
	"github.com/dvloznov/finproc/internal/merchant"
	"github.com/dvloznov/finproc/internal/rules"
	"github.com/dvloznov/finproc/internal/storage"
)

// IngestStatus reports the outcome of one ingestion.
type IngestStatus string

const (
	StatusInserted  IngestStatus = "inserted"
	StatusDuplicate IngestStatus = "duplicate"
)

// IngestResult is returned by Ingest. On a duplicate, Document is the
// already-stored record and Transactions is empty.
type IngestResult struct {
	Status       IngestStatus
	Document     *domain.Document
	Transactions []domain.Transaction
}

// IngestOptions tweaks a single ingestion.
type IngestOptions struct {
	// Force replaces the stored document when the fingerprint collides,
	// instead of reporting a duplicate.
	Force bool
}

// DocumentError records one document that failed during a batch operation.
type DocumentError struct {
	DocumentID string
	Reason     string
}

// RecategorizeReport summarizes a RecategorizeAll run. Counts are per
// document: a document is updated when any of its transactions changed.
type RecategorizeReport struct {
	Updated   int
	Unchanged int
	Errors    []DocumentError
}

// Options configures a Service.
type Options struct {
	// LineItems enables one transaction per line item in addition to the
	// document-level transaction.
	LineItems bool

	// Workers bounds batch parallelism. Zero means defaultWorkers.
	Workers int
}

const defaultWorkers = 4

// Service is the outward face of the categorization core. It is safe for
// concurrent use: the rule set is swapped atomically and in-flight
// evaluations keep the snapshot they started with.
type Service struct {
	store storage.Store
	set   atomic.Pointer[rules.Set]
	log   zerolog.Logger
	opts  Options
}

// New creates a Service over an already-loaded rule set.
func New(store storage.Store, set *rules.Set, log zerolog.Logger, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	s := &Service{store: store, log: log, opts: opts}
	s.set.Store(set)
	return s
}

// Reload parses the rule file at path and atomically swaps it in. A failed
// load leaves the current rule set untouched.
func (s *Service) Reload(path string) error {
	set, err := rules.Load(path)
	if err != nil {
		return err
	}
	s.set.Store(set)
	s.log.Info().Int("rules", set.Len()).Str("path", path).Msg("rule set reloaded")
	return nil
}

// RuleCount returns the size of the active rule set.
func (s *Service) RuleCount() int {
	return s.set.Load().Len()
}

// NormalizeMerchant maps a raw vendor string to its canonical merchant key.
func (s *Service) NormalizeMerchant(raw string) string {
	return merchant.Normalize(raw)
}

// Fingerprint computes the dedup fingerprint of a document, normalizing the
// merchant key first if the caller has not.
func (s *Service) Fingerprint(doc *domain.Document) string {
	if doc.MerchantKey == "" {
		doc.MerchantKey = merchant.Normalize(doc.Vendor)
	}
	return fingerprint.Compute(doc)
}

func (s *Service) engine() *engine.Engine {
	e := engine.New(s.set.Load())
	if s.opts.LineItems {
		e = e.WithLineItems()
	}
	return e
}

// Categorize evaluates the active rule set against the document and returns
// the resulting transactions without persisting them.
func (s *Service) Categorize(doc *domain.Document) ([]domain.Transaction, error) {
	if doc.MerchantKey == "" {
		doc.MerchantKey = merchant.Normalize(doc.Vendor)
	}
	return s.engine().Categorize(doc)
}

// Ingest runs the full pipeline for one document:
//
//  1. Normalize the vendor into a merchant key.
//  2. Compute the dedup fingerprint.
//  3. Check the store for a colliding fingerprint; stop on a duplicate.
//  4. Upsert the merchant (raw vendor registered as alias).
//  5. Persist the document with its line items.
//  6. Categorize and persist the transactions.
//
// A fingerprint collision is a status, not an error: the stored document is
// returned untouched unless opts.Force asks for a refresh.
func (s *Service) Ingest(ctx context.Context, doc *domain.Document, opts IngestOptions) (*IngestResult, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.MerchantKey = merchant.Normalize(doc.Vendor)
	doc.Fingerprint = fingerprint.Compute(doc)

	existing, err := s.store.FindByFingerprint(ctx, doc.Fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("Ingest: fingerprint lookup: %w", err)
	}
	if existing != nil && !opts.Force {
		s.log.Info().
			Str("document_id", existing.ID).
			Str("fingerprint", doc.Fingerprint).
			Msg("duplicate ingestion skipped")
		return &IngestResult{Status: StatusDuplicate, Document: existing}, nil
	}

	m := &domain.Merchant{
		MerchantKey: doc.MerchantKey,
		DisplayName: doc.Vendor,
		Aliases:     []string{doc.Vendor},
	}
	if err := s.store.UpsertMerchant(ctx, m); err != nil {
		return nil, fmt.Errorf("Ingest: %w", err)
	}

	if existing != nil {
		if err := s.store.ReplaceDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("Ingest: %w", err)
		}
	} else {
		if err := s.store.InsertDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("Ingest: %w", err)
		}
	}

	txs, err := s.engine().Categorize(doc)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if err := s.store.InsertOrReplaceTransaction(ctx, &txs[i]); err != nil {
			return nil, fmt.Errorf("Ingest: %w", err)
		}
	}

	s.log.Info().
		Str("document_id", doc.ID).
		Str("merchant_key", doc.MerchantKey).
		Str("rule", txs[0].RuleName).
		Str("category", txs[0].PrimaryCategory).
		Msg("document ingested")

	return &IngestResult{Status: StatusInserted, Document: doc, Transactions: txs}, nil
}

// RecategorizeAll re-runs the active rule set over every stored document.
// Documents are processed by a bounded worker pool; a failure on one document
// is recorded and never aborts the batch. The run is idempotent: repeating it
// on an unchanged store reports Updated == 0.
func (s *Service) RecategorizeAll(ctx context.Context) (*RecategorizeReport, error) {
	docs, err := s.store.ListDocuments(ctx, storage.DocumentFilter{})
	if err != nil {
		return nil, fmt.Errorf("RecategorizeAll: %w", err)
	}

	// All workers evaluate the same snapshot; a concurrent Reload does not
	// split the batch across two rule sets.
	eng := s.engine()

	var (
		mu     sync.Mutex
		report RecategorizeReport
		wg     sync.WaitGroup
		docCh  = make(chan *domain.Document)
	)

	for w := 0; w < s.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc := range docCh {
				changed, err := s.recategorizeOne(ctx, eng, doc)
				mu.Lock()
				switch {
				case err != nil:
					report.Errors = append(report.Errors, DocumentError{
						DocumentID: doc.ID,
						Reason:     err.Error(),
					})
				case changed:
					report.Updated++
				default:
					report.Unchanged++
				}
				mu.Unlock()
			}
		}()
	}

	for _, doc := range docs {
		docCh <- doc
	}
	close(docCh)
	wg.Wait()

	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].DocumentID < report.Errors[j].DocumentID
	})

	s.log.Info().
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Int("errors", len(report.Errors)).
		Msg("recategorization finished")

	return &report, nil
}

// recategorizeOne evaluates one document and persists only the transactions
// that differ from what is stored. It reports whether anything changed.
func (s *Service) recategorizeOne(ctx context.Context, eng *engine.Engine, doc *domain.Document) (bool, error) {
	txs, err := eng.Categorize(doc)
	if err != nil {
		return false, err
	}

	stored, err := s.store.TransactionsForDocument(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*domain.Transaction, len(stored))
	for _, tx := range stored {
		byID[tx.ID] = tx
	}

	changed := false
	for i := range txs {
		if prev, ok := byID[txs[i].ID]; ok && prev.Same(txs[i]) {
			continue
		}
		if err := s.store.InsertOrReplaceTransaction(ctx, &txs[i]); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}
