// Package merchant derives canonical merchant keys from raw vendor strings.
// Two raw strings that normalize to the same key are the same merchant.
package merchant

import (
	"regexp"
	"strings"
)

var (
	storeNumberRx = regexp.MustCompile(`#\s*\d+|\bstore\s*\d+\b`)
	suffixRx      = regexp.MustCompile(`\b(inc|llc|corp|co|ltd)\b\.?`)
	punctRx       = regexp.MustCompile(`[^a-z0-9\s]`)
	spaceRx       = regexp.MustCompile(`\s+`)
)

// Normalize maps a raw vendor string to its canonical merchant key.
// It is deterministic and total: unrecognizable input degrades to a
// best-effort key rather than failing.
//
//	Normalize("MCDONALDS #1234") == "mcdonalds"
//	Normalize("McDonald's")      == "mcdonalds"
//	Normalize("Mcdonalds Inc")   == "mcdonalds"
func Normalize(raw string) string {
	key := strings.ToLower(raw)
	key = storeNumberRx.ReplaceAllString(key, " ")
	key = suffixRx.ReplaceAllString(key, " ")
	key = punctRx.ReplaceAllString(key, "")
	key = spaceRx.ReplaceAllString(key, " ")
	return strings.TrimSpace(key)
}
