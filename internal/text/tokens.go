package text

import "unicode/utf8"

// EstimateTokens approximates the token count of s using the ~4
// characters per token heuristic. Segments, chunks and context windows
// are all budgeted with this same estimate so their numbers compare.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
