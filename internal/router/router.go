// Package router implements the tierroute Model Router.
//
// A routing transaction validates the request, classifies it into a
// complexity tier, maps the tier to a model, dispatches the text to the
// provider and prices the call. Exactly one event is published per
// transaction, success or failure. The router holds only configuration
// fixed at construction and is safe for concurrent use.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tierroute/tierroute/internal/pricing"
	"github.com/tierroute/tierroute/pkg/models"
)

// Request limits.
const (
	MaxUserIDLength      = 128
	DefaultMaxTextLength = 20000
)

// latencyPrecision is the number of decimals kept on reported latencies.
const latencyPrecision = 2

var tracer = otel.Tracer("tierroute/router")

// ── Collaborators ───────────────────────────────────────────

// Classifier turns a request into a tier decision. Implementations are
// classifier.Local and classifier.Remote.
type Classifier interface {
	Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassificationDecision, error)
}

// Dispatcher sends text to a model. Implemented by *provider.Client.
type Dispatcher interface {
	Kind() string
	Dispatch(ctx context.Context, text, model, requestID string) (*models.ProviderResult, error)
}

// Publisher accepts routed events without blocking. Implemented by
// *events.Emitter.
type Publisher interface {
	Publish(ev models.RouteEvent) bool
}

// ── Model table ─────────────────────────────────────────────

// Default model per tier.
const (
	DefaultModelSimple  = "gemini-2.0-flash-lite"
	DefaultModelMedium  = "gemini-2.5-flash"
	DefaultModelComplex = "gemini-2.5-pro"
)

// ModelTable maps every tier to the model that serves it.
type ModelTable map[models.Tier]string

// DefaultModelTable returns the built-in tier table.
func DefaultModelTable() ModelTable {
	return ModelTable{
		models.TierSimple:  DefaultModelSimple,
		models.TierMedium:  DefaultModelMedium,
		models.TierComplex: DefaultModelComplex,
	}
}

// Validate requires a non-empty model for each of the three tiers.
func (t ModelTable) Validate() error {
	for _, tier := range models.Tiers {
		if strings.TrimSpace(t[tier]) == "" {
			return fmt.Errorf("model table: no model for tier %q", tier)
		}
	}
	return nil
}

// Select returns the model for tier, or false when the tier is not one of
// the fixed tiers or is not in the table.
func (t ModelTable) Select(tier models.Tier) (models.ModelSelection, bool) {
	if !tier.Valid() {
		return models.ModelSelection{}, false
	}
	model, ok := t[tier]
	if !ok || model == "" {
		return models.ModelSelection{}, false
	}
	return models.ModelSelection{Tier: tier, Model: model}, true
}

// ── Router ──────────────────────────────────────────────────

// Options configures a ModelRouter.
type Options struct {
	Classifier    Classifier
	Provider      Dispatcher
	Pricing       *pricing.Table
	Models        ModelTable
	Events        Publisher // optional
	MaxTextLength int
}

// ModelRouter composes classify, select, dispatch and cost into one
// transaction.
type ModelRouter struct {
	classifier Classifier
	provider   Dispatcher
	pricing    *pricing.Table
	models     ModelTable
	events     Publisher
	maxText    int
}

// NewModelRouter validates opts and returns a router. The three tier
// entries of the model table are copied so later changes to the caller's
// map have no effect; any other keys are ignored.
func NewModelRouter(opts Options) (*ModelRouter, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("router: classifier is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("router: provider is required")
	}
	if opts.Models == nil {
		opts.Models = DefaultModelTable()
	}
	if err := opts.Models.Validate(); err != nil {
		return nil, err
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.NewTable(pricing.DefaultPrices)
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}

	table := make(ModelTable, len(models.Tiers))
	for _, tier := range models.Tiers {
		table[tier] = opts.Models[tier]
	}

	return &ModelRouter{
		classifier: opts.Classifier,
		provider:   opts.Provider,
		pricing:    opts.Pricing,
		models:     table,
		events:     opts.Events,
		maxText:    opts.MaxTextLength,
	}, nil
}

// MaxTextLength returns the longest accepted text, in runes.
func (mr *ModelRouter) MaxTextLength() int { return mr.maxText }

// ProviderKind returns the name of the configured provider.
func (mr *ModelRouter) ProviderKind() string { return mr.provider.Kind() }

// Catalog lists the tier table with prices, cheapest tier first.
func (mr *ModelRouter) Catalog() []models.ModelCatalogEntry {
	out := make([]models.ModelCatalogEntry, 0, len(mr.models))
	for tier, model := range mr.models {
		price, _ := mr.pricing.Lookup(model)
		out = append(out, models.ModelCatalogEntry{
			Tier:           tier,
			Model:          model,
			InputPerToken:  price.In,
			OutputPerToken: price.Out,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier.Rank() < out[j].Tier.Rank() })
	return out
}

// transaction accumulates what is known about one routing call so a
// single event can be built from it whatever the outcome.
type transaction struct {
	requestID  string
	userID     string
	started    time.Time
	decision   models.ClassificationDecision
	model      string
	provider   string
	classifyMs float64
	llmMs      float64
	costUSD    float64
}

// Route runs one routing transaction. Every error it returns is a
// *RouteError.
func (mr *ModelRouter) Route(ctx context.Context, req models.RouteRequest) (*models.RoutedResponse, error) {
	tx := &transaction{
		requestID: ResolveRequestID(req.Metadata),
		userID:    req.UserID,
		started:   time.Now(),
	}

	ctx, span := tracer.Start(ctx, "route", trace.WithAttributes(
		attribute.String("tierroute.request_id", tx.requestID),
		attribute.String("tierroute.user_id", req.UserID),
	))
	defer span.End()

	resp, err := mr.route(ctx, tx, req)
	total := elapsedMs(tx.started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		mr.publish(tx, err.(*RouteError).Code, total)
		return nil, err
	}
	resp.Latency.TotalMs = total

	span.SetAttributes(
		attribute.String("tierroute.tier", string(resp.Decision.Tier)),
		attribute.String("tierroute.model", resp.Selection.Model),
		attribute.Float64("tierroute.cost_usd", resp.Cost.USD),
	)
	mr.publish(tx, models.StatusOK, total)
	return resp, nil
}

// Reject records a request refused before it could be decoded, such as an
// oversized body, and returns it as a validation error.
func (mr *ModelRouter) Reject(requestID string, cause error) *RouteError {
	tx := &transaction{requestID: requestID}
	rErr := &RouteError{
		Code:      CodeValidation,
		Stage:     StageValidate,
		RequestID: requestID,
		Err:       cause,
	}
	mr.publish(tx, rErr.Code, 0)
	return rErr
}

func (mr *ModelRouter) route(ctx context.Context, tx *transaction, req models.RouteRequest) (*models.RoutedResponse, error) {
	if err := mr.validate(tx.requestID, req); err != nil {
		return nil, err
	}

	// Classify.
	decision, err := mr.classify(ctx, tx, req)
	if err != nil {
		return nil, &RouteError{
			Code:      CodeClassifierUnavailable,
			Stage:     StageClassify,
			RequestID: tx.requestID,
			Err:       err,
		}
	}
	tx.decision = decision

	// Select.
	selection, ok := mr.models.Select(decision.Tier)
	if !ok {
		return nil, &RouteError{
			Code:      CodeUnknownTier,
			Stage:     StageSelect,
			RequestID: tx.requestID,
			Err:       fmt.Errorf("tier %q has no configured model", decision.Tier),
		}
	}
	tx.model = selection.Model

	// Dispatch.
	result, err := mr.dispatch(ctx, tx, req.Text, selection.Model)
	if err != nil {
		return nil, &RouteError{
			Code:      CodeProvider,
			Stage:     StageDispatch,
			RequestID: tx.requestID,
			Err:       err,
		}
	}
	tx.provider = result.Provider

	cost := mr.pricing.EstimateUsage(selection.Model, result.Usage, decision.TokensEstimate)
	tx.costUSD = cost.USD

	return &models.RoutedResponse{
		RequestID: tx.requestID,
		Decision:  decision,
		Selection: selection,
		Result:    *result,
		Cost:      cost,
		Latency: models.Latency{
			ClassifierMs: tx.classifyMs,
			LLMMs:        tx.llmMs,
		},
	}, nil
}

func (mr *ModelRouter) validate(requestID string, req models.RouteRequest) *RouteError {
	switch n := utf8.RuneCountInString(req.UserID); {
	case strings.TrimSpace(req.UserID) == "":
		return validationError(requestID, "user_id is required")
	case n > MaxUserIDLength:
		return validationError(requestID, "user_id exceeds %d characters", MaxUserIDLength)
	}
	switch n := utf8.RuneCountInString(req.Text); {
	case strings.TrimSpace(req.Text) == "":
		return validationError(requestID, "text is required")
	case n > mr.maxText:
		return validationError(requestID, "text exceeds %d characters", mr.maxText)
	}
	return nil
}

func (mr *ModelRouter) classify(ctx context.Context, tx *transaction, req models.RouteRequest) (models.ClassificationDecision, error) {
	ctx, span := tracer.Start(ctx, "classify")
	defer span.End()

	start := time.Now()
	decision, err := mr.classifier.Classify(ctx, models.ClassifyRequest{
		Text:      req.Text,
		Metadata:  req.Metadata,
		RequestID: tx.requestID,
	})
	tx.classifyMs = elapsedMs(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier unavailable")
		log.Warn().Err(err).Str("request_id", tx.requestID).Msg("Classifier call failed")
		return decision, err
	}

	span.SetAttributes(
		attribute.String("tierroute.tier", string(decision.Tier)),
		attribute.Int("tierroute.tokens_est", decision.TokensEstimate),
		attribute.Int("tierroute.score", decision.Score),
		attribute.String("tierroute.reason", string(decision.Reason)),
	)
	return decision, nil
}

func (mr *ModelRouter) dispatch(ctx context.Context, tx *transaction, text, model string) (*models.ProviderResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("tierroute.provider", mr.provider.Kind()),
		attribute.String("tierroute.model", model),
	))
	defer span.End()

	start := time.Now()
	result, err := mr.provider.Dispatch(ctx, text, model, tx.requestID)
	tx.llmMs = elapsedMs(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("tierroute.attempts", result.Attempts))
	return result, nil
}

func (mr *ModelRouter) publish(tx *transaction, status string, totalMs float64) {
	if mr.events == nil {
		return
	}
	mr.events.Publish(models.RouteEvent{
		Service:      "router",
		Event:        "routed_request",
		RequestID:    tx.requestID,
		UserID:       tx.userID,
		Tier:         tx.decision.Tier,
		Model:        tx.model,
		TokensEst:    tx.decision.TokensEstimate,
		ClassifierMs: tx.classifyMs,
		LLMMs:        tx.llmMs,
		LatencyMs:    totalMs,
		CostEstUSD:   tx.costUSD,
		Reason:       tx.decision.Reason,
		Status:       status,
		Provider:     tx.provider,
		CreatedAt:    time.Now().UTC(),
	})
}

// ResolveRequestID returns metadata["request_id"] when it is a non-empty
// string, otherwise a fresh UUID.
func ResolveRequestID(metadata map[string]interface{}) string {
	if id, ok := metadata[models.MetaRequestID].(string); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func elapsedMs(since time.Time) float64 {
	return pricing.Round(float64(time.Since(since).Microseconds())/1000, latencyPrecision)
}
