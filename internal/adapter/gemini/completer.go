package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Completer turns cleaned material text into generated study artifacts
// like summaries and quizzes.
type Completer struct {
	client *genai.Client
	model  string
}

func NewCompleter(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Completer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Completer{client: client, model: model}, nil
}

// Complete returns the concatenated text parts of the first candidate.
// An empty candidate list yields an empty string, not an error.
func (c *Completer) Complete(ctx context.Context, system, prompt string) (string, error) {
	return c.generate(ctx, system, prompt, "")
}

// CompleteJSON constrains the model to emit a JSON document.
func (c *Completer) CompleteJSON(ctx context.Context, system, prompt string) (string, error) {
	return c.generate(ctx, system, prompt, "application/json")
}

func (c *Completer) generate(ctx context.Context, system, prompt, mimeType string) (string, error) {
	slog.DebugContext(ctx, "generating completion", "model", c.model, "prompt_length", len(prompt))

	m := c.client.GenerativeModel(c.model)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	if mimeType != "" {
		m.ResponseMIMEType = mimeType
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

func (c *Completer) Close() error {
	return c.client.Close()
}
