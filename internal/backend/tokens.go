package backend

import (
	"context"
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates a token count for runtimes without a tokenizer
// endpoint: roughly four bytes of English text per token, never fewer than the
// number of whitespace separated words.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byRunes := (utf8.RuneCountInString(text) + 3) / 4
	if words := len(strings.Fields(text)); words > byRunes {
		return words
	}
	return byRunes
}

// CountTokens re-tokenizes text with m. The count is for display only, so any
// tokenizer failure (including ErrNoTokenizer) falls back to EstimateTokens.
func CountTokens(ctx context.Context, m Model, text string) int {
	if text == "" {
		return 0
	}
	ids, err := m.Tokenize(ctx, text)
	if err != nil {
		return EstimateTokens(text)
	}
	return len(ids)
}
