// Package sqlite is the SQLite implementation of the storage contract. Each
// document is written in a single transaction, so a crash mid-batch leaves
// committed documents intact and uncommitted ones simply absent.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/storage"
)

//go:embed schema.sql
var schema string

const dayFormat = "2006-01-02"

// Store handles database operations against a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates a Store for the given database path (":memory:" works) and
// bootstraps the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertDocument implements storage.Store. Line item IDs are assigned on the
// passed document.
func (s *Store) InsertDocument(ctx context.Context, doc *domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertDocument: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocumentTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertDocument: commit: %w", err)
	}
	return nil
}

// ReplaceDocument implements storage.Store. The stored document carrying the
// same fingerprint is removed (cascading its line items and transactions)
// and the new one inserted, all in one transaction.
func (s *Store) ReplaceDocument(ctx context.Context, doc *domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ReplaceDocument: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE fingerprint = ?`, doc.Fingerprint); err != nil {
		return fmt.Errorf("ReplaceDocument: delete: %w", err)
	}
	if err := insertDocumentTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ReplaceDocument: commit: %w", err)
	}
	return nil
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, doc *domain.Document) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (
			id, doc_type, source_file, vendor, merchant_key, date,
			total, subtotal, tax, tip, currency, raw_text,
			fingerprint, extraction_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, string(doc.DocType), doc.SourceFile, doc.Vendor, doc.MerchantKey,
		dayString(doc.Date), doc.Total, doc.Subtotal, doc.Tax, doc.Tip,
		doc.Currency, doc.RawText, doc.Fingerprint, doc.ExtractionConfidence,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for i := range doc.LineItems {
		it := &doc.LineItems[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO line_items (
				document_id, line_number, description, quantity,
				unit_price, amount, weight_qty, weight_unit, raw_line
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, it.LineNumber, it.Description, it.Quantity,
			it.UnitPrice, it.Amount, it.WeightQty, it.WeightUnit, it.RawLine,
		)
		if err != nil {
			return fmt.Errorf("insert line item %d: %w", it.LineNumber, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert line item %d: %w", it.LineNumber, err)
		}
		it.ID = id
	}
	return nil
}

// GetDocument implements storage.Store.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_type, source_file, vendor, merchant_key, date,
		       total, subtotal, tax, tip, currency, raw_text,
		       fingerprint, extraction_confidence
		FROM documents WHERE id = ?`, id)
	return s.scanDocument(ctx, row)
}

// FindByFingerprint implements storage.Store.
func (s *Store) FindByFingerprint(ctx context.Context, fp string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_type, source_file, vendor, merchant_key, date,
		       total, subtotal, tax, tip, currency, raw_text,
		       fingerprint, extraction_confidence
		FROM documents WHERE fingerprint = ?`, fp)
	return s.scanDocument(ctx, row)
}

func (s *Store) scanDocument(ctx context.Context, row *sql.Row) (*domain.Document, error) {
	var doc domain.Document
	var docType string
	var day sql.NullString
	err := row.Scan(
		&doc.ID, &docType, &doc.SourceFile, &doc.Vendor, &doc.MerchantKey, &day,
		&doc.Total, &doc.Subtotal, &doc.Tax, &doc.Tip, &doc.Currency, &doc.RawText,
		&doc.Fingerprint, &doc.ExtractionConfidence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.DocType = domain.DocType(docType)
	doc.Date = parseDay(day)

	if doc.LineItems, err = s.loadLineItems(ctx, doc.ID); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) loadLineItems(ctx context.Context, documentID string) ([]domain.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, line_number, description, quantity, unit_price,
		       amount, weight_qty, weight_unit, raw_line
		FROM line_items WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.ID, &it.LineNumber, &it.Description, &it.Quantity,
			&it.UnitPrice, &it.Amount, &it.WeightQty, &it.WeightUnit, &it.RawLine); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListDocuments implements storage.Store.
func (s *Store) ListDocuments(ctx context.Context, filter storage.DocumentFilter) ([]*domain.Document, error) {
	q := strings.Builder{}
	q.WriteString(`
		SELECT id, doc_type, source_file, vendor, merchant_key, date,
		       total, subtotal, tax, tip, currency, raw_text,
		       fingerprint, extraction_confidence
		FROM documents WHERE 1=1`)
	var args []any
	if filter.DocType != "" {
		q.WriteString(" AND doc_type = ?")
		args = append(args, string(filter.DocType))
	}
	if filter.MerchantKey != "" {
		q.WriteString(" AND merchant_key = ?")
		args = append(args, filter.MerchantKey)
	}
	if !filter.From.IsZero() {
		q.WriteString(" AND date >= ?")
		args = append(args, dayString(filter.From))
	}
	if !filter.To.IsZero() {
		q.WriteString(" AND date <= ?")
		args = append(args, dayString(filter.To))
	}
	q.WriteString(" ORDER BY created_at, id")
	if filter.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ListDocuments: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		var doc domain.Document
		var docType string
		var day sql.NullString
		if err := rows.Scan(
			&doc.ID, &docType, &doc.SourceFile, &doc.Vendor, &doc.MerchantKey, &day,
			&doc.Total, &doc.Subtotal, &doc.Tax, &doc.Tip, &doc.Currency, &doc.RawText,
			&doc.Fingerprint, &doc.ExtractionConfidence,
		); err != nil {
			return nil, fmt.Errorf("ListDocuments: scan: %w", err)
		}
		doc.DocType = domain.DocType(docType)
		doc.Date = parseDay(day)
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListDocuments: %w", err)
	}

	for _, doc := range docs {
		if doc.LineItems, err = s.loadLineItems(ctx, doc.ID); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// UpsertMerchant implements storage.Store. Aliases already on record are
// preserved; re-registering one is a no-op.
func (s *Store) UpsertMerchant(ctx context.Context, m *domain.Merchant) error {
	existing, err := s.GetMerchant(ctx, m.MerchantKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	merged := *m
	if existing != nil {
		merged = *existing
		if m.DisplayName != "" {
			merged.DisplayName = m.DisplayName
		}
		if m.DefaultCategory != "" {
			merged.DefaultCategory = m.DefaultCategory
		}
		for _, a := range m.Aliases {
			merged.AddAlias(a)
		}
	}

	aliases, err := json.Marshal(merged.Aliases)
	if err != nil {
		return fmt.Errorf("UpsertMerchant: encode aliases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merchants (merchant_key, display_name, aliases, default_category)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(merchant_key) DO UPDATE SET
			display_name = excluded.display_name,
			aliases = excluded.aliases,
			default_category = excluded.default_category`,
		merged.MerchantKey, merged.DisplayName, string(aliases), merged.DefaultCategory,
	)
	if err != nil {
		return fmt.Errorf("UpsertMerchant: %w", err)
	}
	return nil
}

// GetMerchant implements storage.Store.
func (s *Store) GetMerchant(ctx context.Context, key string) (*domain.Merchant, error) {
	var m domain.Merchant
	var aliases string
	err := s.db.QueryRowContext(ctx, `
		SELECT merchant_key, display_name, aliases, default_category
		FROM merchants WHERE merchant_key = ?`, key,
	).Scan(&m.MerchantKey, &m.DisplayName, &aliases, &m.DefaultCategory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMerchant: %w", err)
	}
	if aliases != "" {
		if err := json.Unmarshal([]byte(aliases), &m.Aliases); err != nil {
			return nil, fmt.Errorf("GetMerchant: decode aliases: %w", err)
		}
	}
	return &m, nil
}

// InsertOrReplaceTransaction implements storage.Store. The transaction id is
// stable per (document, line item) target, so the upsert replaces the
// previous categorization for that target and never duplicates it.
func (s *Store) InsertOrReplaceTransaction(ctx context.Context, tx *domain.Transaction) error {
	tags, err := json.Marshal(tx.Tags)
	if err != nil {
		return fmt.Errorf("InsertOrReplaceTransaction: encode tags: %w", err)
	}
	var lineItemID any
	if tx.LineItemID != nil {
		lineItemID = *tx.LineItemID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, document_id, line_item_id, merchant_key, amount, date,
			primary_category, secondary_category, confidence, tags, rule_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			merchant_key = excluded.merchant_key,
			amount = excluded.amount,
			date = excluded.date,
			primary_category = excluded.primary_category,
			secondary_category = excluded.secondary_category,
			confidence = excluded.confidence,
			tags = excluded.tags,
			rule_name = excluded.rule_name,
			updated_at = CURRENT_TIMESTAMP`,
		tx.ID, tx.DocumentID, lineItemID, tx.MerchantKey, tx.Amount,
		dayString(tx.Date), tx.PrimaryCategory, tx.SecondaryCategory,
		tx.Confidence, string(tags), tx.RuleName,
	)
	if err != nil {
		return fmt.Errorf("InsertOrReplaceTransaction: %w", err)
	}
	return nil
}

// TransactionsForDocument implements storage.Store.
func (s *Store) TransactionsForDocument(ctx context.Context, documentID string) ([]*domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, line_item_id, merchant_key, amount, date,
		       primary_category, secondary_category, confidence, tags, rule_name
		FROM transactions WHERE document_id = ?
		ORDER BY COALESCE(line_item_id, 0)`, documentID)
	if err != nil {
		return nil, fmt.Errorf("TransactionsForDocument: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var lineItemID sql.NullInt64
		var day sql.NullString
		var tags string
		if err := rows.Scan(&tx.ID, &tx.DocumentID, &lineItemID, &tx.MerchantKey,
			&tx.Amount, &day, &tx.PrimaryCategory, &tx.SecondaryCategory,
			&tx.Confidence, &tags, &tx.RuleName); err != nil {
			return nil, fmt.Errorf("TransactionsForDocument: scan: %w", err)
		}
		if lineItemID.Valid {
			id := lineItemID.Int64
			tx.LineItemID = &id
		}
		tx.Date = parseDay(day)
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &tx.Tags); err != nil {
				return nil, fmt.Errorf("TransactionsForDocument: decode tags: %w", err)
			}
		}
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

func dayString(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dayFormat)
}

func parseDay(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(dayFormat, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ storage.Store = (*Store)(nil)
