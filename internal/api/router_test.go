package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierroute/tierroute/internal/api"
	"github.com/tierroute/tierroute/internal/api/handlers"
	"github.com/tierroute/tierroute/internal/classifier"
	"github.com/tierroute/tierroute/internal/events"
	"github.com/tierroute/tierroute/internal/pricing"
	"github.com/tierroute/tierroute/internal/provider"
	"github.com/tierroute/tierroute/internal/router"
	"github.com/tierroute/tierroute/internal/store"
	"github.com/tierroute/tierroute/pkg/models"
)

type fixedClassifier struct{ decision models.ClassificationDecision }

func (f fixedClassifier) Classify(context.Context, models.ClassifyRequest) (models.ClassificationDecision, error) {
	return f.decision, nil
}

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	emitter *events.Emitter
}

// flush waits for queued events to reach the ledger.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.emitter.Close(ctx))
}

func newEnv(t *testing.T, cls router.Classifier) *testEnv {
	t.Helper()
	if cls == nil {
		c, err := classifier.New(classifier.DefaultKeywords(), classifier.DefaultThresholds())
		require.NoError(t, err)
		cls = classifier.NewLocal(c)
	}
	mock, err := provider.New(provider.Config{}, nil)
	require.NoError(t, err)

	ledger := store.NewMemoryStore(100)
	emitter := events.NewEmitter(64, ledger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		emitter.Close(ctx)
	})

	mr, err := router.NewModelRouter(router.Options{
		Classifier: cls,
		Provider:   mock,
		Pricing: pricing.NewTable(map[string]pricing.Price{
			router.DefaultModelSimple: {In: 0.000001, Out: 0.000002},
		}),
		Events:        emitter,
		MaxTextLength: 200,
	})
	require.NoError(t, err)

	return &testEnv{
		handler: api.NewRouter(handlers.New(mr, ledger, "1.2.3")),
		store:   ledger,
		emitter: emitter,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// ── POST /route ─────────────────────────────────────────────

func TestRoute_Success(t *testing.T) {
	env := newEnv(t, nil)

	rec := do(t, env.handler, http.MethodPost, "/route",
		`{"user_id":"u1","text":"Define API with example","metadata":{"request_id":"req-1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))

	body := decode(t, rec)
	assert.Equal(t, "req-1", body["request_id"])

	routing := body["routing"].(map[string]interface{})
	assert.Equal(t, "simple", routing["tier"])
	assert.Equal(t, router.DefaultModelSimple, routing["model_used"])
	assert.Equal(t, 5.0, routing["tokens_est"])
	assert.Equal(t, "tokens_and_signals_low", routing["reason"])
	assert.InDelta(t, 0.000005, routing["cost_est_usd"], 1e-12)
	assert.Contains(t, routing, "latency_ms")
	breakdown := routing["breakdown_ms"].(map[string]interface{})
	assert.Contains(t, breakdown, "classifier")
	assert.Contains(t, breakdown, "llm")

	response := body["response"].(map[string]interface{})
	assert.Equal(t, "gemini-mock", response["provider"])
	assert.Equal(t, router.DefaultModelSimple, response["model"])
	assert.True(t, strings.HasPrefix(response["text"].(string), "(mock gemini "))
	usage := response["usage"].(map[string]interface{})
	assert.Nil(t, usage["input_tokens"])
	assert.Nil(t, usage["output_tokens"])
	assert.Nil(t, usage["total_tokens"])
	assert.NotContains(t, response, "raw")

	env.flush(t)
	recent, err := env.store.Recent(context.Background(), store.RecentFilter{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.Equal(t, models.StatusOK, recent[0].Status)
}

func TestRoute_V1Alias(t *testing.T) {
	env := newEnv(t, nil)
	rec := do(t, env.handler, http.MethodPost, "/api/v1/route", `{"user_id":"u1","text":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRoute_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		code   string
		stage  string
	}{
		{"malformed json", `{"user_id":`, http.StatusBadRequest, "BAD_REQUEST", "decode"},
		{"empty body", ``, http.StatusBadRequest, "BAD_REQUEST", "decode"},
		{"metadata not an object", `{"user_id":"u","text":"t","metadata":"x"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "validate"},
		{"missing user", `{"text":"hello"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "validate"},
		{"missing text", `{"user_id":"u"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "validate"},
		{"text too long", `{"user_id":"u","text":"` + strings.Repeat("a", 201) + `"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "validate"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, nil)
			rec := do(t, env.handler, http.MethodPost, "/route", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())

			body := decode(t, rec)
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, tc.stage, body["stage"])
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
			assert.Equal(t, body["request_id"], rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestRoute_OversizedTextIsValidationError(t *testing.T) {
	cases := map[string]int{
		"just over text limit": 201,
		"over body limit":      2 << 20,
	}
	for name, n := range cases {
		t.Run(name, func(t *testing.T) {
			env := newEnv(t, nil)
			rec := do(t, env.handler, http.MethodPost, "/route",
				`{"user_id":"u","text":"`+strings.Repeat("a", n)+`"}`)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

			body := decode(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])
			assert.Equal(t, "validate", body["stage"])
			assert.Equal(t, body["request_id"], rec.Header().Get("X-Request-Id"))

			env.flush(t)
			sum, err := env.store.Summary(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1), sum.Requests)
			assert.Equal(t, int64(1), sum.Failures)
		})
	}
}

func TestRoute_UnknownTier(t *testing.T) {
	env := newEnv(t, fixedClassifier{models.ClassificationDecision{Tier: "urgent", TokensEstimate: 2}})

	rec := do(t, env.handler, http.MethodPost, "/route", `{"user_id":"u","text":"now"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "UNKNOWN_TIER", body["code"])
	assert.Equal(t, "select", body["stage"])

	env.flush(t)
	sum, _ := env.store.Summary(context.Background())
	assert.Equal(t, int64(1), sum.Failures)
}

// ── Catalogue & ledger ──────────────────────────────────────

func TestListModels(t *testing.T) {
	env := newEnv(t, nil)
	rec := do(t, env.handler, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "gemini-mock", body["provider"])
	list := body["models"].([]interface{})
	require.Len(t, list, 3)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "simple", first["tier"])
	assert.Equal(t, 0.000001, first["input_usd_per_token"])
}

func TestCostAndRoutes(t *testing.T) {
	env := newEnv(t, nil)
	for _, user := range []string{"alice", "bob", "alice"} {
		rec := do(t, env.handler, http.MethodPost, "/route", `{"user_id":"`+user+`","text":"hello there"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	env.flush(t)

	rec := do(t, env.handler, http.MethodGet, "/api/v1/cost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cost := decode(t, rec)
	assert.Equal(t, 3.0, cost["requests"])
	byUser := cost["by_user"].(map[string]interface{})
	assert.Contains(t, byUser, "alice")
	assert.Contains(t, byUser, "bob")

	rec = do(t, env.handler, http.MethodGet, "/api/v1/routes?limit=2&user_id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	routes := decode(t, rec)
	assert.Equal(t, 2.0, routes["count"])

	rec = do(t, env.handler, http.MethodGet, "/api/v1/routes?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_EmptyLedger(t *testing.T) {
	env := newEnv(t, nil)
	rec := do(t, env.handler, http.MethodGet, "/api/v1/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []interface{}{}, body["routes"])
}

// ── Health ──────────────────────────────────────────────────

func TestHealthReadyVersion(t *testing.T) {
	env := newEnv(t, nil)

	rec := do(t, env.handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = do(t, env.handler, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = do(t, env.handler, http.MethodGet, "/version", "")
	assert.Equal(t, "1.2.3", decode(t, rec)["version"])
}

// ── Classifier service ──────────────────────────────────────

func newClassifierHandler(t *testing.T) http.Handler {
	t.Helper()
	c, err := classifier.New(classifier.DefaultKeywords(), classifier.DefaultThresholds())
	require.NoError(t, err)
	return api.NewClassifierRouter(handlers.NewClassifier(c, 50))
}

func TestPredict(t *testing.T) {
	h := newClassifierHandler(t)

	rec := do(t, h, http.MethodPost, "/predict", `{"text":"Define API with example","metadata":{},"request_id":"r-9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r-9", rec.Header().Get("X-Request-Id"))

	body := decode(t, rec)
	assert.Equal(t, "simple", body["tier"])
	assert.Equal(t, 5.0, body["tokens_est"])
	assert.Equal(t, 0.0, body["score"])
	assert.Equal(t, "tokens_and_signals_low", body["reason"])

	rec = do(t, h, http.MethodPost, "/predict", `{"text":"x","metadata":{"force_tier":"complex"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "complex", decode(t, rec)["tier"])
}

func TestPredict_Errors(t *testing.T) {
	h := newClassifierHandler(t)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/predict", `{`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/predict", `{"text":""}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		do(t, h, http.MethodPost, "/predict", `{"text":"`+strings.Repeat("a", 51)+`"}`).Code)

	rec := do(t, h, http.MethodPost, "/predict", `{"text":"`+strings.Repeat("a", 1<<20)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "request body exceeds")
}

func TestPredict_RemoteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newClassifierHandler(t))
	defer srv.Close()

	remote := classifier.NewRemote(srv.URL+"/predict", srv.Client(), time.Second)
	d, err := remote.Classify(context.Background(), models.ClassifyRequest{
		Text:      "optimize the postgres database latency",
		RequestID: "rt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierComplex, d.Tier)
	assert.GreaterOrEqual(t, d.Score, 5)
}

func TestHealthz(t *testing.T) {
	rec := do(t, newClassifierHandler(t), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	th := body["thresholds"].(map[string]interface{})
	assert.Equal(t, 25.0, th["simple_max"])
}
