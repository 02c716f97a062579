package service

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// promptSimilarity scores how close two prompts are on a 0..1 scale:
// 1 for identical strings, shrinking by normalized edit distance. Leading
// and trailing whitespace is ignored so copy-pasted prompts with stray
// newlines still match.
func promptSimilarity(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
