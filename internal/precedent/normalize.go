package precedent

import (
	"slices"
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var english = stopwords.MustGet("en")

// Tokens lowercases s, splits it on anything that is not a letter or digit,
// drops English stopwords and returns the remaining tokens sorted and
// de-duplicated.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if english.Contains(f) {
			continue
		}
		out = append(out, f)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Normalize is the canonical task pattern of a description.
func Normalize(description string) string {
	return strings.Join(Tokens(description), " ")
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func trigrams(s string) map[string]int {
	out := map[string]int{}
	r := []rune(s)
	if len(r) < 3 {
		if len(r) > 0 {
			out[s]++
		}
		return out
	}
	for i := 0; i+3 <= len(r); i++ {
		out[string(r[i:i+3])]++
	}
	return out
}

// dice is the Sørensen-Dice coefficient over character trigram multisets.
func dice(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	total := 0
	for _, n := range ta {
		total += n
	}
	for _, n := range tb {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for g, n := range ta {
		shared += min(n, tb[g])
	}
	return 2 * float64(shared) / float64(total)
}

// Similarity scores two normalised patterns in [0, 1].
func Similarity(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	return 0.6*jaccard(ta, tb) + 0.4*dice(a, b)
}
