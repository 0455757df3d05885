package segment

import (
	"strings"

	"studyforge/backend/internal/text"
)

// Segment is one display/context unit of a processed document:
// page-bounded when extraction kept page boundaries, a fixed token
// window otherwise. Indexes are 0-based and contiguous per material.
type Segment struct {
	Index      int    `json:"index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	TokenCount int    `json:"token_count"`
	Source     string `json:"source"`
	Body       string `json:"body"`
}

// Build produces the segment set for a cleaned document. pages wins
// when present (one segment per page, concatenation reproduces the
// canonical document exactly); otherwise the text is cut into
// non-overlapping windows of roughly fallbackTokens with synthetic
// page numbers.
func Build(pages []text.Page, doc string, source string, fallbackTokens int) []Segment {
	if len(pages) > 0 {
		return fromPages(pages, source)
	}
	return fromWindows(doc, source, fallbackTokens)
}

func fromPages(pages []text.Page, source string) []Segment {
	segs := make([]Segment, 0, len(pages))
	for i, p := range pages {
		segs = append(segs, Segment{
			Index:      i,
			PageStart:  p.Number,
			PageEnd:    p.Number,
			TokenCount: text.EstimateTokens(p.Text),
			Source:     source,
			Body:       p.Text,
		})
	}
	return segs
}

func fromWindows(doc, source string, windowTokens int) []Segment {
	bodies := text.ChunkText(doc, windowTokens, 0)
	segs := make([]Segment, 0, len(bodies))
	for i, body := range bodies {
		segs = append(segs, Segment{
			Index:      i,
			PageStart:  i + 1,
			PageEnd:    i + 1,
			TokenCount: text.EstimateTokens(body),
			Source:     source,
			Body:       body,
		})
	}
	return segs
}

// Window packs segments in order into a single context string, stopping
// before the token budget would be exceeded. A first segment larger
// than the whole budget yields an empty window.
func Window(segs []Segment, budgetTokens int) string {
	var b strings.Builder
	used := 0
	for _, s := range segs {
		if used+s.TokenCount > budgetTokens {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Body)
		used += s.TokenCount
	}
	return b.String()
}
