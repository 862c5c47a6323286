package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

// KindGemini is the Google Gemini REST provider.
const KindGemini = "gemini"

// DefaultGeminiBaseURL is the public Generative Language API root.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// maxResponseBytes bounds how much of a provider body is read.
const maxResponseBytes = 8 << 20

// ── Gemini Provider ─────────────────────────────────────────

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int64 `json:"promptTokenCount"`
		CandidatesTokenCount *int64 `json:"candidatesTokenCount"`
		TotalTokenCount      *int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// GeminiDriver calls models/{model}:generateContent.
type GeminiDriver struct {
	baseURL string
	apiKey  string
	doer    transport.Doer
}

// NewGeminiDriver returns a driver for the given API root and key.
func NewGeminiDriver(baseURL, apiKey string, doer transport.Doer) *GeminiDriver {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return &GeminiDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		doer:    doer,
	}
}

// Kind returns "gemini".
func (d *GeminiDriver) Kind() string { return KindGemini }

// Generate sends one generateContent call.
func (d *GeminiDriver) Generate(ctx context.Context, req Request) (*models.ProviderResult, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Text}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", d.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", d.apiKey)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}

	httpResp, err := d.doer.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("gemini: %w", &StatusError{StatusCode: httpResp.StatusCode, Body: string(respBody)})
	}

	var gResp geminiResponse
	if err := json.Unmarshal(respBody, &gResp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}

	result := &models.ProviderResult{
		Provider: KindGemini,
		Model:    req.Model,
	}
	if u := gResp.UsageMetadata; u != nil {
		result.Usage = models.Usage{
			InputTokens:  u.PromptTokenCount,
			OutputTokens: u.CandidatesTokenCount,
			TotalTokens:  u.TotalTokenCount,
		}
	}

	if text := firstText(&gResp); text != "" {
		result.Output = &text
	} else {
		// Unexpected shape: hand the payload back instead of failing.
		var raw interface{}
		_ = json.Unmarshal(respBody, &raw)
		result.Raw = raw
	}
	return result, nil
}

func firstText(r *geminiResponse) string {
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return ""
	}
	parts := r.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == nil {
		return ""
	}
	return *parts[0].Text
}
