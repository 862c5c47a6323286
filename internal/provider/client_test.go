package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierroute/tierroute/internal/pricing"
	"github.com/tierroute/tierroute/internal/provider"
	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

const okGemini = `{
  "candidates":[{"content":{"parts":[{"text":"pong"}]}}],
  "usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1,"totalTokenCount":5}
}`

func newPool(t *testing.T) *transport.Pool {
	t.Helper()
	p := transport.NewPool(transport.DefaultOptions())
	t.Cleanup(p.Close)
	return p
}

func newGeminiClient(t *testing.T, h http.HandlerFunc, baseDelay time.Duration) *provider.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := provider.New(provider.Config{
		Kind:            provider.KindGemini,
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		Temperature:     0.2,
		MaxOutputTokens: 256,
		Timeout:         2 * time.Second,
		BaseDelay:       baseDelay,
	}, newPool(t))
	require.NoError(t, err)
	return c
}

// dropConnection simulates a transport-level failure.
func dropConnection(t *testing.T, w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		t.Fatalf("hijack: %v", err)
	}
	conn.Close()
}

func TestClient_MockMode(t *testing.T) {
	c, err := provider.New(provider.Config{}, nil)
	require.NoError(t, err)
	require.True(t, c.Mock())

	text := strings.Repeat("é", 400)
	res, err := c.Dispatch(context.Background(), text, "gemini-2.5-flash", "req-1")
	require.NoError(t, err)

	assert.Equal(t, "gemini-mock", res.Provider)
	assert.Equal(t, "gemini-2.5-flash", res.Model)
	require.NotNil(t, res.Output)
	assert.Equal(t, "(mock gemini gemini-2.5-flash) "+strings.Repeat("é", 300), *res.Output)
	assert.False(t, res.Usage.Reported())
	assert.Nil(t, res.Raw)
	assert.Equal(t, 1, res.Attempts)

	again, err := c.Dispatch(context.Background(), text, "gemini-2.5-flash", "req-2")
	require.NoError(t, err)
	assert.Equal(t, *res.Output, *again.Output)
}

func TestClient_UnknownKind(t *testing.T) {
	_, err := provider.New(provider.Config{Kind: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, provider.ErrUnknownKind)

	_, err = provider.New(provider.Config{Kind: "carrier-pigeon", APIKey: "k"}, nil)
	assert.ErrorIs(t, err, provider.ErrUnknownKind)
}

func TestClient_GeminiRequestShape(t *testing.T) {
	var gotPath, gotKey, gotReqID string
	var body map[string]interface{}
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotReqID = r.Header.Get("X-Request-Id")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(okGemini))
	}, time.Millisecond)

	res, err := c.Dispatch(context.Background(), "ping", "gemini-2.5-pro", "req-9")
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "req-9", gotReqID)

	gen := body["generationConfig"].(map[string]interface{})
	assert.Equal(t, 0.2, gen["temperature"])
	assert.Equal(t, 256.0, gen["maxOutputTokens"])
	contents := body["contents"].([]interface{})
	part := contents[0].(map[string]interface{})["parts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "ping", part["text"])

	assert.Equal(t, "gemini", res.Provider)
	require.NotNil(t, res.Output)
	assert.Equal(t, "pong", *res.Output)
	require.NotNil(t, res.Usage.InputTokens)
	assert.Equal(t, int64(4), *res.Usage.InputTokens)
	assert.Equal(t, int64(1), *res.Usage.OutputTokens)
	assert.Equal(t, int64(5), *res.Usage.TotalTokens)
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	const base = 40 * time.Millisecond
	var calls atomic.Int32
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			dropConnection(t, w)
			return
		}
		w.Write([]byte(okGemini))
	}, base)

	start := time.Now()
	res, err := c.Dispatch(context.Background(), "ping", "gemini-2.5-flash", "req")
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, "gemini", res.Provider)
	assert.NotEqual(t, "gemini-mock", res.Provider)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	// base*1 before attempt 2, base*2 before attempt 3
	assert.GreaterOrEqual(t, elapsed, 3*base)
	assert.Less(t, elapsed, 3*base+2*time.Second)
}

func TestClient_RetriesParseFailure(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("{truncated"))
			return
		}
		w.Write([]byte(okGemini))
	}, time.Millisecond)

	res, err := c.Dispatch(context.Background(), "ping", "m", "req")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestClient_ShapeMismatchReturnsRaw(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}, time.Millisecond)

	res, err := c.Dispatch(context.Background(), "ping", "m", "req")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Nil(t, res.Output)
	raw, ok := res.Raw.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, raw, "promptFeedback")
	assert.False(t, res.Usage.Reported())
}

func TestClient_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}, time.Millisecond)

	_, err := c.Dispatch(context.Background(), "ping", "m", "req")
	require.Error(t, err)

	assert.ErrorIs(t, err, provider.ErrExhausted)
	var pErr *provider.Error
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, 3, pErr.Attempts)
	assert.Equal(t, "gemini", pErr.Provider)

	var sErr *provider.StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusServiceUnavailable, sErr.StatusCode)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_CancelDuringBackoff(t *testing.T) {
	c := newGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Dispatch(ctx, "ping", "m", "req")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	var pErr *provider.Error
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, 1, pErr.Attempts)
}

// flakyDriver fails every call for the model "bad".
type flakyDriver struct{}

func (flakyDriver) Kind() string { return "flaky" }
func (flakyDriver) Generate(ctx context.Context, req provider.Request) (*models.ProviderResult, error) {
	if req.Model == "bad" {
		return nil, errors.New("transport closed")
	}
	out := "ok"
	return &models.ProviderResult{Provider: "flaky", Model: req.Model, Output: &out}, nil
}

func TestClient_BackoffDoesNotBlockOtherRequests(t *testing.T) {
	c := provider.NewWithDriver(flakyDriver{}, provider.Config{BaseDelay: 300 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), "x", "bad", "slow")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	res, err := c.Dispatch(context.Background(), "x", "good", "fast")
	require.NoError(t, err)
	assert.Equal(t, "good", res.Model)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.ErrorIs(t, <-done, provider.ErrExhausted)
}

func TestClient_OpenAICompatible(t *testing.T) {
	var gotPath, gotAuth string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	c, err := provider.New(provider.Config{
		Kind:    provider.KindOpenAI,
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
	}, newPool(t))
	require.NoError(t, err)
	assert.False(t, c.Mock())

	res, err := c.Dispatch(context.Background(), "hi", "gpt-4o-mini", "req")
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, "openai", res.Provider)
	require.NotNil(t, res.Output)
	assert.Equal(t, "hello", *res.Output)
	assert.Equal(t, int64(3), *res.Usage.InputTokens)
	assert.Equal(t, int64(1), *res.Usage.OutputTokens)
}

func TestClient_OpenAICompatibleWithoutUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c2","object":"chat.completion","model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := provider.New(provider.Config{
		Kind:    provider.KindOpenAI,
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
	}, newPool(t))
	require.NoError(t, err)

	res, err := c.Dispatch(context.Background(), "hi", "m", "req")
	require.NoError(t, err)
	assert.False(t, res.Usage.Reported())
	assert.Nil(t, res.Usage.InputTokens)
	assert.Nil(t, res.Usage.OutputTokens)
	assert.Nil(t, res.Usage.TotalTokens)

	// Absent usage prices the token estimate at the input rate.
	table := pricing.NewTable(map[string]pricing.Price{"m": {In: 0.001, Out: 0.002}})
	cost := table.EstimateUsage("m", res.Usage, 50)
	assert.InDelta(t, 0.05, cost.USD, 1e-12)
}
