// Package models holds the wire and domain types shared by the tierroute
// router, the classifier service and their clients.
package models

import (
	"fmt"
	"time"
)

// ── Tiers ────────────────────────────────────────────────────

// Tier is the complexity class assigned to a request.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

// Tiers lists every valid tier, cheapest first.
var Tiers = []Tier{TierSimple, TierMedium, TierComplex}

// Valid reports whether t is one of the three fixed tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierSimple, TierMedium, TierComplex:
		return true
	}
	return false
}

// Rank orders tiers by severity: simple=0, medium=1, complex=2, invalid=-1.
func (t Tier) Rank() int {
	switch t {
	case TierSimple:
		return 0
	case TierMedium:
		return 1
	case TierComplex:
		return 2
	}
	return -1
}

// ParseTier converts s into a Tier, rejecting anything outside the fixed set.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier %q", s)
	}
	return t, nil
}

// Reason is the cause code attached to a classification decision.
type Reason string

const (
	ReasonForced        Reason = "forced_by_metadata"
	ReasonSignalsHigh   Reason = "tokens_or_signals_high"
	ReasonSignalsMedium Reason = "tokens_or_signals_medium"
	ReasonSignalsLow    Reason = "tokens_and_signals_low"
)

// Recognized metadata keys.
const (
	MetaForceTier = "force_tier"
	MetaRequestID = "request_id"
)

// ── Classification ───────────────────────────────────────────

// ClassifyRequest is the body accepted by the classifier collaborator.
type ClassifyRequest struct {
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ClassificationDecision is produced once per request and never mutated.
type ClassificationDecision struct {
	Tier           Tier   `json:"tier"`
	TokensEstimate int    `json:"tokens_est"`
	Score          int    `json:"score"`
	Reason         Reason `json:"reason"`
}

// ── Routing ──────────────────────────────────────────────────

// RouteRequest is the inbound routing call.
type RouteRequest struct {
	UserID   string                 `json:"user_id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ModelSelection is the model chosen for a tier.
type ModelSelection struct {
	Tier  Tier   `json:"tier"`
	Model string `json:"model"`
}

// Usage holds provider-reported token counts. Nil fields mean the provider
// did not report that count.
type Usage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
	TotalTokens  *int64 `json:"total_tokens"`
}

// Reported reports whether any usage count is present.
func (u Usage) Reported() bool {
	return u.InputTokens != nil || u.OutputTokens != nil || u.TotalTokens != nil
}

// ProviderResult is the outcome of one successful provider dispatch.
type ProviderResult struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Output   *string     `json:"text"`
	Raw      interface{} `json:"raw,omitempty"`
	Usage    Usage       `json:"usage"`
	Attempts int         `json:"-"`
}

// CostEstimate is a USD amount rounded to a fixed precision.
type CostEstimate struct {
	USD       float64 `json:"usd"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
}

// Latency holds per-stage wall times in milliseconds.
type Latency struct {
	ClassifierMs float64 `json:"classifier"`
	LLMMs        float64 `json:"llm"`
	TotalMs      float64 `json:"-"`
}

// RoutedResponse is the single externally visible artifact of one routing
// transaction.
type RoutedResponse struct {
	RequestID string
	Decision  ClassificationDecision
	Selection ModelSelection
	Result    ProviderResult
	Cost      CostEstimate
	Latency   Latency
}

// RoutedResponseBody is the JSON shape returned to callers of POST /route.
type RoutedResponseBody struct {
	RequestID string          `json:"request_id"`
	Routing   RoutingSection  `json:"routing"`
	Response  ResponseSection `json:"response"`
}

// RoutingSection describes how the request was routed.
type RoutingSection struct {
	Tier        Tier    `json:"tier"`
	ModelUsed   string  `json:"model_used"`
	TokensEst   int     `json:"tokens_est"`
	Reason      Reason  `json:"reason"`
	LatencyMs   float64 `json:"latency_ms"`
	BreakdownMs Latency `json:"breakdown_ms"`
	CostEstUSD  float64 `json:"cost_est_usd"`
}

// ResponseSection carries the provider output.
type ResponseSection struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Text     *string     `json:"text"`
	Usage    Usage       `json:"usage"`
	Raw      interface{} `json:"raw,omitempty"`
}

// Body renders the response in its wire shape.
func (r *RoutedResponse) Body() RoutedResponseBody {
	return RoutedResponseBody{
		RequestID: r.RequestID,
		Routing: RoutingSection{
			Tier:        r.Decision.Tier,
			ModelUsed:   r.Selection.Model,
			TokensEst:   r.Decision.TokensEstimate,
			Reason:      r.Decision.Reason,
			LatencyMs:   r.Latency.TotalMs,
			BreakdownMs: r.Latency,
			CostEstUSD:  r.Cost.USD,
		},
		Response: ResponseSection{
			Provider: r.Result.Provider,
			Model:    r.Result.Model,
			Text:     r.Result.Output,
			Usage:    r.Result.Usage,
			Raw:      r.Result.Raw,
		},
	}
}

// ── Events & Ledger ──────────────────────────────────────────

// StatusOK marks a routed event that completed successfully.
const StatusOK = "ok"

// RouteEvent is the structured record emitted once per routing transaction.
type RouteEvent struct {
	Service      string    `json:"service"`
	Event        string    `json:"event"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Tier         Tier      `json:"tier"`
	Model        string    `json:"model"`
	TokensEst    int       `json:"tokens_est"`
	ClassifierMs float64   `json:"classifier_ms"`
	LLMMs        float64   `json:"llm_ms"`
	LatencyMs    float64   `json:"latency_ms"`
	CostEstUSD   float64   `json:"cost_est_usd"`
	Reason       Reason    `json:"reason"`
	Status       string    `json:"status"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CostSummary aggregates routed costs.
type CostSummary struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	Requests     int64              `json:"requests"`
	Failures     int64              `json:"failures"`
	ByModel      map[string]float64 `json:"by_model"`
	ByTier       map[string]float64 `json:"by_tier"`
	ByUser       map[string]float64 `json:"by_user"`
}

// NewCostSummary returns an empty summary with initialised maps.
func NewCostSummary() CostSummary {
	return CostSummary{
		ByModel: make(map[string]float64),
		ByTier:  make(map[string]float64),
		ByUser:  make(map[string]float64),
	}
}

// Add folds ev into the summary.
func (s *CostSummary) Add(ev RouteEvent) {
	s.Requests++
	if ev.Status != StatusOK {
		s.Failures++
		return
	}
	s.TotalCostUSD += ev.CostEstUSD
	s.ByModel[ev.Model] += ev.CostEstUSD
	s.ByTier[string(ev.Tier)] += ev.CostEstUSD
	if ev.UserID != "" {
		s.ByUser[ev.UserID] += ev.CostEstUSD
	}
}

// ModelCatalogEntry describes one configured tier and its price.
type ModelCatalogEntry struct {
	Tier           Tier    `json:"tier"`
	Model          string  `json:"model"`
	InputPerToken  float64 `json:"input_usd_per_token"`
	OutputPerToken float64 `json:"output_usd_per_token"`
}
