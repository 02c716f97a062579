package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromptSimilarity(t *testing.T) {
	t.Run("Identical", func(t *testing.T) {
		assert.Equal(t, 1.0, promptSimilarity("fix the build", "fix the build"))
	})

	t.Run("WhitespaceIgnored", func(t *testing.T) {
		assert.Equal(t, 1.0, promptSimilarity("  fix the build\n", "fix the build"))
	})

	t.Run("BothEmpty", func(t *testing.T) {
		assert.Equal(t, 1.0, promptSimilarity("", "   "))
	})

	t.Run("OneEmpty", func(t *testing.T) {
		assert.Equal(t, 0.0, promptSimilarity("", "fix the build"))
		assert.Equal(t, 0.0, promptSimilarity("fix the build", ""))
	})

	t.Run("Disjoint", func(t *testing.T) {
		assert.Equal(t, 0.0, promptSimilarity("abc", "xyz"))
	})

	t.Run("SingleTypo", func(t *testing.T) {
		got := promptSimilarity("refactor the parser", "refactor the parsre")
		assert.InDelta(t, 0.895, got, 0.01)
	})

	t.Run("NormalizedByLongerPrompt", func(t *testing.T) {
		// Distance 2 over the longer length 4.
		assert.InDelta(t, 0.5, promptSimilarity("abcd", "ab"), 0.0001)
	})

	t.Run("UnicodeCountsRunesNotBytes", func(t *testing.T) {
		// One substitution across five runes, even though é is two bytes.
		assert.InDelta(t, 0.8, promptSimilarity("héllo", "hello"), 0.0001)
	})
}
