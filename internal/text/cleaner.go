package text

import (
	"regexp"
	"strings"
	"unicode"
)

type CleanResult struct {
	Text     string
	Degraded bool
	Reason   string
}

// Page is one page of extracted text. Number is the 1-based page in
// the original document.
type Page struct {
	Number int
	Text   string
}

var (
	hyphenWrapRe = regexp.MustCompile(`(\pL)-\n(\pL)`)
	hspaceRe     = regexp.MustCompile(`[ \t]+`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// Clean normalizes raw extracted text: valid UTF-8, LF line endings,
// control characters stripped, words de-hyphenated across line wraps,
// horizontal whitespace runs collapsed, 3+ blank lines squeezed.
// Cleaning never fails: if it would empty a non-empty input, the raw
// text is passed through tagged Degraded so the pipeline can continue.
func Clean(raw string) CleanResult {
	cleaned := normalize(raw)
	if cleaned == "" && strings.TrimSpace(raw) != "" {
		return CleanResult{Text: raw, Degraded: true, Reason: "cleaning emptied non-empty input"}
	}
	return CleanResult{Text: cleaned}
}

// CleanPages cleans each page and drops pages left empty. The second
// return is the canonical document: the surviving pages joined by one
// blank line, which is exactly what the segmenter later concatenates
// back together.
func CleanPages(pages []Page) ([]Page, CleanResult) {
	out := make([]Page, 0, len(pages))
	degraded := false
	reason := ""

	for _, p := range pages {
		res := Clean(p.Text)
		if res.Degraded {
			degraded = true
			reason = res.Reason
		}
		if strings.TrimSpace(res.Text) == "" {
			continue
		}
		out = append(out, Page{Number: p.Number, Text: res.Text})
	}

	texts := make([]string, len(out))
	for i, p := range out {
		texts[i] = p.Text
	}

	return out, CleanResult{
		Text:     strings.Join(texts, "\n\n"),
		Degraded: degraded,
		Reason:   reason,
	}
}

func normalize(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	// De-hyphenate must run while the wrap newlines are still intact.
	s = hyphenWrapRe.ReplaceAllString(s, "$1$2")
	s = hspaceRe.ReplaceAllString(s, " ")
	s = newlineRunRe.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
