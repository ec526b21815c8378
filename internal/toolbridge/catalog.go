package toolbridge

import (
	"strings"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.88
)

// MenuItem is one orderable item.
type MenuItem struct {
	Name    string   `yaml:"name"`
	Price   float64  `yaml:"price"`
	Aliases []string `yaml:"aliases"`
}

// CatalogOption configures a [Catalog].
type CatalogOption func(*Catalog)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for an item whose
// Double Metaphone codes overlap with the spoken name. Default: 0.80.
func WithPhoneticThreshold(threshold float64) CatalogOption {
	return func(c *Catalog) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for an item without
// phonetic overlap. Default: 0.88.
func WithFuzzyThreshold(threshold float64) CatalogOption {
	return func(c *Catalog) { c.fuzzyThreshold = threshold }
}

// Catalog resolves item names as the agent heard them to the menu's
// canonical names. It is read-only after construction and safe for
// concurrent use.
//
// Names are compared after folding case and character width, so "ﾗｰﾒﾝ",
// "ラーメン" and "Ramen"/"ramen" variants meet on one form. An exact match on
// a name or alias wins outright. Otherwise Latin names are matched the way
// speech tends to garble them: items whose Double Metaphone codes overlap
// with the input are ranked by Jaro-Winkler similarity, and when none do,
// plain Jaro-Winkler with a stricter threshold decides.
type Catalog struct {
	items             []MenuItem
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCatalog returns a catalog over items.
func NewCatalog(items []MenuItem, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		items:             items,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Len returns the number of menu items.
func (c *Catalog) Len() int { return len(c.items) }

// Lookup returns the menu item best matching name and its similarity score.
// ok is false when no item clears the thresholds.
func (c *Catalog) Lookup(name string) (item MenuItem, score float64, ok bool) {
	input := normalize(name)
	if input == "" {
		return MenuItem{}, 0, false
	}
	inputTokens := strings.Fields(input)
	inputCodes := codesForTokens(inputTokens)

	type candidate struct {
		item     MenuItem
		score    float64
		phonetic bool
		found    bool
	}
	var best candidate

	for _, it := range c.items {
		for _, form := range append([]string{it.Name}, it.Aliases...) {
			target := normalize(form)
			if target == "" {
				continue
			}
			if target == input {
				return it, 1, true
			}

			targetTokens := strings.Fields(target)
			jw := bestJWScore(inputTokens, targetTokens, input, target)

			if codesOverlap(inputCodes, codesForTokens(targetTokens)) {
				if jw >= c.phoneticThreshold && (!best.phonetic || jw > best.score) {
					best = candidate{item: it, score: jw, phonetic: true, found: true}
				}
			} else if !best.phonetic && jw >= c.fuzzyThreshold && jw > best.score {
				best = candidate{item: it, score: jw, found: true}
			}
		}
	}

	if !best.found {
		return MenuItem{}, 0, false
	}
	return best.item, best.score, true
}

// normalize applies NFKC, folds case and collapses whitespace. NFKC turns
// half-width katakana and full-width Latin into their usual forms.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Tokens without Latin consonants yield no codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher Jaro-Winkler similarity of the full strings and
// the space-stripped strings. Tokens are not compared pairwise: menu items
// share words like "ramen", and a shared word alone must not match.
func bestJWScore(inputTokens, targetTokens []string, inputFull, targetFull string) float64 {
	score := matchr.JaroWinkler(inputFull, targetFull, false)
	if len(inputTokens) > 1 || len(targetTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(targetTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
