package integration

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a product name for exact-name matching: compatibility
// decomposition, combining marks removed, case folded, whitespace collapsed.
// "  Café  Crème " and "cafe creme" normalize to the same key.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.FieldsFunc(folded, unicode.IsSpace), " ")
}
