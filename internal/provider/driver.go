// Package provider dispatches text to a backend language model.
//
// A Client wraps one Driver (gemini, openai or the deterministic mock used
// when no credential is configured) and owns the retry policy: a bounded
// number of attempts with a linear, context-aware backoff between them.
package provider

import (
	"context"
	"unicode/utf8"

	"github.com/tierroute/tierroute/pkg/models"
)

// Request is one generation call.
type Request struct {
	Model           string
	Text            string
	RequestID       string
	Temperature     float64
	MaxOutputTokens int
}

// Driver performs a single provider call. Every error it returns is
// treated as retryable by the Client; a 2xx response whose shape is not
// understood must be returned as a result carrying Raw, not as an error.
type Driver interface {
	Kind() string
	Generate(ctx context.Context, req Request) (*models.ProviderResult, error)
}

// mockEchoRunes caps how much input the mock driver echoes back.
const mockEchoRunes = 300

// MockDriver returns a deterministic synthetic result without network
// access. Usage is always unreported.
type MockDriver struct {
	kind string
}

// NewMockDriver returns a mock standing in for the given provider kind.
func NewMockDriver(kind string) *MockDriver {
	return &MockDriver{kind: kind}
}

// Kind returns "<kind>-mock".
func (d *MockDriver) Kind() string { return d.kind + "-mock" }

// Generate echoes the model and a truncated copy of the input.
func (d *MockDriver) Generate(ctx context.Context, req Request) (*models.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := "(mock " + d.kind + " " + req.Model + ") " + truncateRunes(req.Text, mockEchoRunes)
	return &models.ProviderResult{
		Provider: d.Kind(),
		Model:    req.Model,
		Output:   &out,
	}, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
