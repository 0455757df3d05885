package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPOCR is the default OCR engine: it posts the raw file to an OCR
// sidecar and reads back `{"text": "..."}`.
type HTTPOCR struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOCR(baseURL string) *HTTPOCR {
	return &HTTPOCR{
		baseURL: strings.TrimRight(baseURL, "/"),
		// OCR over a whole document is slow; give it room.
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *HTTPOCR) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ocr", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("ocr service error: %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Text, nil
}
