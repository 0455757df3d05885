package text

import (
	"strings"
	"unicode/utf8"
)

// ChunkText splits cleaned document text into retrieval chunks of
// roughly maxTokens tokens, carrying the last overlapTokens of each
// chunk into the next so sentences cut at a boundary stay findable.
// Splits prefer paragraph boundaries, then lines, then words.
func ChunkText(s string, maxTokens, overlapTokens int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if maxTokens <= 0 {
		return []string{s}
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens / 4
	}

	// Approx chars per token
	maxChars := maxTokens * 4
	overlapChars := overlapTokens * 4

	pieces := splitPieces(s, maxChars)

	var chunks []string
	var current strings.Builder

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+2+len(piece) > maxChars {
			chunk := current.String()
			chunks = append(chunks, chunk)
			current.Reset()
			if tail := overlapTail(chunk, overlapChars); tail != "" {
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// splitPieces cuts text into paragraph-sized pieces no longer than
// maxChars, descending to lines and finally words when a paragraph is
// too large on its own.
func splitPieces(s string, maxChars int) []string {
	var pieces []string

	for _, para := range strings.Split(s, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxChars {
			pieces = append(pieces, para)
			continue
		}

		var current strings.Builder
		for _, line := range strings.Split(para, "\n") {
			if len(line) > maxChars {
				if current.Len() > 0 {
					pieces = append(pieces, current.String())
					current.Reset()
				}
				pieces = append(pieces, splitWords(line, maxChars)...)
				continue
			}
			if current.Len() > 0 && current.Len()+1+len(line) > maxChars {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(line)
		}
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
		}
	}

	return pieces
}

func splitWords(line string, maxChars int) []string {
	var pieces []string
	var current strings.Builder

	for _, word := range strings.Fields(line) {
		if current.Len() > 0 && current.Len()+1+len(word) > maxChars {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}

	return pieces
}

// overlapTail returns the trailing n bytes of s snapped forward to a
// word boundary so the overlap never starts mid-word.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}

	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	tail := s[start:]
	if i := strings.IndexAny(tail, " \n\t"); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}
