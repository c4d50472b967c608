// Package rules implements the declarative categorization rule set: a
// priority-ordered, immutable collection of rules, each a conjunction of
// typed conditions plus a category assignment. Evaluation is first-match-wins
// over the sorted order; the set's defaults apply when nothing matches.
package rules

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finproc/internal/domain"
)

// ErrMissingDate is returned when an evaluated condition needs the document
// date but the extractor found none. Callers surface it per document; it
// never aborts a batch.
var ErrMissingDate = errors.New("document has no date")

// ConditionKind enumerates the closed set of supported condition types.
// Evaluation switches exhaustively over this set, so a new kind is a
// compile-time extension rather than a silent fallthrough.
type ConditionKind int

const (
	VendorMatches ConditionKind = iota
	LineItemContains
	AmountGreaterThan
	AmountLessThan
	AmountBetween
	DateRange
	WeekdayEquals
)

// Condition is one predicate of a rule's conjunction. Only the fields
// relevant to its Kind are set; patterns and keywords are lowercased once
// at load time.
type Condition struct {
	Kind ConditionKind

	Patterns []string // VendorMatches, LineItemContains
	Min, Max float64  // AmountGreaterThan (Min), AmountLessThan (Max), AmountBetween
	From, To time.Time
	Weekday  int // 0=Monday … 6=Sunday
}

// Assignment is the categorization a winning rule (or the defaults) applies.
type Assignment struct {
	PrimaryCategory   string
	SecondaryCategory string
	Confidence        float64
	Tags              []string
}

// Rule is a named, prioritized conjunction of conditions. Higher priority
// evaluates first; ties keep declaration order.
type Rule struct {
	Name       string
	Priority   int
	Conditions []Condition
	Assign     Assignment
}

// Set is an immutable rule set. Build one with New (or the loader) and share
// it freely across goroutines; a reload swaps in a whole new Set.
type Set struct {
	rules    []Rule
	defaults Assignment
}

// New builds a Set from declaration-ordered rules. Rules are stable-sorted by
// priority descending so equal priorities keep their declaration order across
// reloads of an unchanged configuration.
func New(declared []Rule, defaults Assignment) *Set {
	rs := make([]Rule, len(declared))
	copy(rs, declared)
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Priority > rs[j].Priority
	})
	if defaults.PrimaryCategory == "" {
		defaults.PrimaryCategory = "Uncategorized"
	}
	if defaults.Confidence == 0 {
		defaults.Confidence = 0.1
	}
	return &Set{rules: rs, defaults: defaults}
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	return len(s.rules)
}

// Defaults returns the assignment applied when no rule matches.
func (s *Set) Defaults() Assignment {
	return s.defaults
}

// target is one evaluation subject: a whole document, or a single line item
// of it. Document and line item evaluations are independent; tags never
// merge across targets.
type target struct {
	doc  *domain.Document
	item *domain.LineItem // nil for document-level evaluation
}

func (t target) amount() float64 {
	if t.item != nil {
		return t.item.Amount
	}
	return t.doc.Total
}

// Match returns the first rule, in priority order, whose full conjunction of
// conditions holds for the document. A nil rule means the defaults apply.
func (s *Set) Match(doc *domain.Document) (*Rule, error) {
	return s.match(target{doc: doc})
}

// MatchLineItem evaluates the set against a single line item. Vendor and
// date conditions still read the owning document; keyword and amount
// conditions read the line item itself.
func (s *Set) MatchLineItem(doc *domain.Document, item *domain.LineItem) (*Rule, error) {
	return s.match(target{doc: doc, item: item})
}

func (s *Set) match(t target) (*Rule, error) {
	for i := range s.rules {
		r := &s.rules[i]
		ok, err := r.applies(t)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}

// applies evaluates the rule's conjunction. An empty conjunction holds for
// every target.
func (r *Rule) applies(t target) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := c.holds(t)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) holds(t target) (bool, error) {
	switch c.Kind {
	case VendorMatches:
		key := strings.ToLower(t.doc.MerchantKey)
		raw := strings.ToLower(t.doc.Vendor)
		for _, p := range c.Patterns {
			if strings.Contains(key, p) || strings.Contains(raw, p) {
				return true, nil
			}
		}
		return false, nil

	case LineItemContains:
		return c.matchesKeywords(t), nil

	case AmountGreaterThan:
		return t.amount() > c.Min, nil

	case AmountLessThan:
		return t.amount() < c.Max, nil

	case AmountBetween:
		a := t.amount()
		return a >= c.Min && a <= c.Max, nil

	case DateRange:
		if t.doc.Date.IsZero() {
			return false, ErrMissingDate
		}
		d := t.doc.Date
		if !c.From.IsZero() && d.Before(c.From) {
			return false, nil
		}
		if !c.To.IsZero() && d.After(c.To) {
			return false, nil
		}
		return true, nil

	case WeekdayEquals:
		if t.doc.Date.IsZero() {
			return false, ErrMissingDate
		}
		// time.Weekday counts Sunday=0; the rule schema counts Monday=0.
		wd := (int(t.doc.Date.Weekday()) + 6) % 7
		return wd == c.Weekday, nil
	}
	return false, nil
}

func (c Condition) matchesKeywords(t target) bool {
	if t.item != nil {
		desc := strings.ToLower(t.item.Description)
		for _, kw := range c.Patterns {
			if strings.Contains(desc, kw) {
				return true
			}
		}
		return false
	}
	raw := strings.ToLower(t.doc.RawText)
	for _, kw := range c.Patterns {
		if strings.Contains(raw, kw) {
			return true
		}
		for i := range t.doc.LineItems {
			if strings.Contains(strings.ToLower(t.doc.LineItems[i].Description), kw) {
				return true
			}
		}
	}
	return false
}
