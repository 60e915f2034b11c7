package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pario-ai/callopt/pkg/compress"
)

// Prompt is the input of one AI call: free text or a structured payload.
// When Fields is set the prompt is structured and Text is ignored.
type Prompt struct {
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TextPrompt wraps free text.
func TextPrompt(s string) Prompt { return Prompt{Text: s} }

// FieldsPrompt wraps a structured payload.
func FieldsPrompt(m map[string]any) Prompt { return Prompt{Fields: m} }

// Structured reports whether the prompt is a structured payload.
func (p Prompt) Structured() bool { return p.Fields != nil }

// Length is the prompt size used for budgets and routing: runes for text,
// serialized JSON bytes for structured payloads. A payload that cannot be
// serialized reports 0; Optimize rejects such prompts when it derives the
// cache key, before any length is used.
func (p Prompt) Length() int {
	if p.Structured() {
		n, _ := compress.Size(p.Fields)
		return n
	}
	return compress.Length(p.Text)
}

// String renders the prompt as the text sent to a model.
func (p Prompt) String() string {
	if !p.Structured() {
		return p.Text
	}
	b, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Sprint(p.Fields)
	}
	return string(b)
}

// CacheKey returns the hex SHA-256 of the task type and the serialized
// prompt and call context. Map keys serialize sorted, so equal inputs always
// produce equal keys.
func CacheKey(taskType string, prompt Prompt, callCtx map[string]any) (string, error) {
	p, err := json.Marshal(prompt)
	if err != nil {
		return "", fmt.Errorf("serialize prompt: %w", err)
	}
	c, err := json.Marshal(callCtx)
	if err != nil {
		return "", fmt.Errorf("serialize call context: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write(p)
	h.Write([]byte{0})
	h.Write(c)
	return hex.EncodeToString(h.Sum(nil)), nil
}
