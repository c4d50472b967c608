// Package fingerprint derives a stable dedup key from a document's defining
// fields. Two ingestions of the same physical document collapse to the same
// fingerprint even when they come from different source files or OCR passes,
// as long as merchant, date, total and document type agree.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/dvloznov/finproc/internal/domain"
)

// Length of the hex fingerprint. 80 bits is plenty for collision resistance
// at personal-finance document volumes.
const hexLen = 20

// Compute returns the dedup fingerprint for a document. It is pure and
// deterministic over merchant key, date (calendar day), total rounded to
// currency-minor-unit precision, and document type. Text noise in any other
// field does not change the result.
func Compute(doc *domain.Document) string {
	day := ""
	if !doc.Date.IsZero() {
		day = doc.Date.Format("2006-01-02")
	}
	minor := int64(math.Round(doc.Total * 100))

	canon := fmt.Sprintf("%s|%s|%d|%s", doc.MerchantKey, day, minor, doc.DocType)
	sum := sha1.Sum([]byte(canon))
	return hex.EncodeToString(sum[:])[:hexLen]
}
