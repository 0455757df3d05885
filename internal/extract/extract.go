package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"

	"studyforge/backend/internal/text"
)

// ErrNoText reports a readable document with nothing to extract. It is
// a property of the file, not of the engine, so callers should not
// retry.
var ErrNoText = errors.New("no extractable text")

// Source identifies which engine produced the extracted text.
type Source string

const (
	SourceNative Source = "native"
	SourceOCR    Source = "ocr"
	SourceDOCX   Source = "docx"
	SourcePlain  Source = "plain"
)

// OCR extracts text from documents the native extractors cannot read.
// Implementations are interchangeable; the default posts the file to an
// OCR sidecar over HTTP.
type OCR interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Result is the extraction output. Pages carries per-page text when the
// engine preserves page boundaries; Text always holds the whole document.
type Result struct {
	Pages  []text.Page
	Text   string
	Source Source
}

type Service struct {
	ocr             OCR
	minCharsPerPage int
}

func NewService(ocr OCR, minCharsPerPage int) *Service {
	return &Service{ocr: ocr, minCharsPerPage: minCharsPerPage}
}

// Extract runs the native engine for the file's MIME type. needOCR
// reports that the native result is unusable (no text layer, or too
// sparse to be real content) and the caller should record the OCR
// branch in its bookkeeping before calling ExtractOCR.
func (s *Service) Extract(ctx context.Context, data []byte, mimeType string) (res Result, needOCR bool, err error) {
	switch {
	case mimeType == "application/pdf":
		return s.extractPDF(ctx, data)
	case strings.Contains(mimeType, "officedocument") || strings.Contains(mimeType, "msword"):
		res, err = s.extractWord(data, mimeType)
		return res, false, err
	default:
		body := string(data)
		if strings.TrimSpace(body) == "" {
			return Result{}, false, fmt.Errorf("plain upload: %w", ErrNoText)
		}
		return Result{Text: body, Source: SourcePlain}, false, nil
	}
}

// ExtractOCR runs the pluggable OCR engine over the whole document.
// Page boundaries are not preserved.
func (s *Service) ExtractOCR(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if s.ocr == nil {
		return Result{}, errors.New("no ocr engine configured")
	}

	body, err := s.ocr.ExtractText(ctx, data, mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("ocr extract: %w", err)
	}
	if strings.TrimSpace(body) == "" {
		return Result{}, fmt.Errorf("ocr output: %w", ErrNoText)
	}

	return Result{Text: body, Source: SourceOCR}, nil
}

func (s *Service) extractPDF(ctx context.Context, data []byte) (Result, bool, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, false, fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	pages := make([]text.Page, 0, totalPages)
	totalChars := 0

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			// Unreadable pages count as empty: the density check
			// below decides whether the whole document goes to OCR.
			slog.WarnContext(ctx, "pdf page unreadable", "page", i, "error", err)
			continue
		}
		pages = append(pages, text.Page{Number: i, Text: content})
		totalChars += len(content)
	}

	if s.needsOCR(totalChars, totalPages) {
		slog.InfoContext(ctx, "native pdf text too sparse",
			"pages", totalPages, "chars", totalChars)
		return Result{}, true, nil
	}

	return Result{Pages: pages, Text: joinPages(pages), Source: SourceNative}, false, nil
}

func (s *Service) extractWord(data []byte, mimeType string) (Result, error) {
	converted, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
	if err != nil {
		return Result{}, fmt.Errorf("convert word document: %w", err)
	}
	if strings.TrimSpace(converted.Body) == "" {
		return Result{}, fmt.Errorf("word document: %w", ErrNoText)
	}
	return Result{Text: converted.Body, Source: SourceDOCX}, nil
}

// needsOCR is the fallback trigger: no text at all, or so little per
// page that the text layer is almost certainly OCR-worthy scan noise.
func (s *Service) needsOCR(totalChars, totalPages int) bool {
	if totalChars == 0 {
		return true
	}
	if totalPages <= 0 {
		return false
	}
	return totalChars/totalPages < s.minCharsPerPage
}

func joinPages(pages []text.Page) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}
