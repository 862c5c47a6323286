// Package server provides the public entry point for initializing the
// tierroute services.
//
// It is the composition root: it owns the shared outbound connection
// pool, the event emitter and the ledger, and releases them in Close.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	srv.Close(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/internal/api"
	"github.com/tierroute/tierroute/internal/api/handlers"
	"github.com/tierroute/tierroute/internal/classifier"
	"github.com/tierroute/tierroute/internal/config"
	"github.com/tierroute/tierroute/internal/events"
	"github.com/tierroute/tierroute/internal/pricing"
	"github.com/tierroute/tierroute/internal/provider"
	"github.com/tierroute/tierroute/internal/retention"
	"github.com/tierroute/tierroute/internal/router"
	"github.com/tierroute/tierroute/internal/store"
	"github.com/tierroute/tierroute/internal/telemetry"
	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

// Config is the public configuration for the tierroute services. Zero
// fields keep the value loaded from the environment.
type Config struct {
	Port           int
	ClassifierPort int
	Version        string
	OTELEnabled    bool
	OTELEndpoint   string
	ServiceName    string

	// EventWriter receives the JSON routed-event stream. Defaults to stdout.
	EventWriter io.Writer
}

// Server holds the initialized routing service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Router is the model router behind POST /route.
	Router *router.ModelRouter

	// Store is the route ledger.
	Store store.Store

	// Events delivers routed events to the log, ledger and side channels.
	Events *events.Emitter

	// Janitor prunes the ledger when LEDGER_RETENTION is set; nil otherwise.
	Janitor *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// Config is the server configuration.
	Config *Config

	pool        *transport.Pool
	closers     []io.Closer
	stopJanitor func()
	shutdown    telemetry.ShutdownFunc
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:           cfg.Port,
		ClassifierPort: cfg.ClassifierPort,
		Version:        cfg.Version,
		OTELEnabled:    cfg.Telemetry.Enabled,
		OTELEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
	}
}

// New initializes the routing service from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the routing service with an explicit
// configuration layered over the environment.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	if pubCfg == nil {
		pubCfg = &Config{}
	}
	cfg := overlay(config.Load(), pubCfg)

	srv := &Server{Config: pubCfg, Port: cfg.Port}
	ok := false
	defer func() {
		if !ok {
			srv.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.shutdown = shutdown

	// One outbound pool shared by the provider, remote classifier and webhook.
	srv.pool = transport.NewPool(transport.DefaultOptions())

	cls, err := buildClassifier(cfg.Classifier, srv.pool)
	if err != nil {
		return nil, err
	}

	prov, err := provider.New(provider.Config{
		Kind:            cfg.Provider.Kind,
		APIKey:          cfg.Provider.APIKey(),
		BaseURL:         cfg.Provider.BaseURL(),
		Temperature:     cfg.Provider.Temperature,
		MaxOutputTokens: cfg.Provider.MaxOutputTokens,
		Timeout:         cfg.Provider.Timeout,
		MaxAttempts:     cfg.Provider.MaxAttempts,
		BaseDelay:       cfg.Provider.BaseDelay,
	}, srv.pool)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}
	if prov.Mock() {
		log.Warn().Str("provider", cfg.Provider.Kind).Msg("No provider credential configured, running in mock mode")
	} else {
		log.Info().Str("provider", prov.Kind()).Msg("Provider client initialized")
	}

	book, err := buildStore(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	srv.Store = book

	if cfg.Ledger.Retention > 0 {
		if err := srv.startJanitor(ctx, book, cfg.Ledger); err != nil {
			return nil, err
		}
	}

	eventOut := pubCfg.EventWriter
	if eventOut == nil {
		eventOut = os.Stdout
	}
	sinks := []events.Sink{events.NewLogSink(eventOut), book}
	if cfg.Events.NATSURL != "" {
		ns, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSSubject)
		if err != nil {
			// Events are best effort; the router still serves without NATS.
			log.Warn().Err(err).Str("url", cfg.Events.NATSURL).Msg("NATS unavailable, routed events will not be published")
		} else {
			sinks = append(sinks, ns)
			srv.closers = append(srv.closers, ns)
			log.Info().Str("subject", ns.Subject()).Msg("NATS event sink connected")
		}
	}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, srv.pool))
		log.Info().Str("url", cfg.Events.WebhookURL).Msg("Webhook event sink configured")
	}
	srv.Events = events.NewEmitter(cfg.Events.Buffer, sinks...)

	mr, err := router.NewModelRouter(router.Options{
		Classifier: cls,
		Provider:   prov,
		Pricing:    buildPricing(cfg.Routing.PricingJSON),
		Models: router.ModelTable{
			models.TierSimple:  cfg.Routing.ModelSimple,
			models.TierMedium:  cfg.Routing.ModelMedium,
			models.TierComplex: cfg.Routing.ModelComplex,
		},
		Events:        srv.Events,
		MaxTextLength: cfg.MaxTextLength,
	})
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}
	srv.Router = mr
	log.Info().Msg("Model Router initialized")

	srv.Handler = api.NewRouter(handlers.New(mr, book, cfg.Version))
	ok = true
	return srv, nil
}

// Close drains queued events, stops the janitor, then releases side
// channels, the ledger, outbound pool and tracer, in that order. Call it after the HTTP server
// has stopped accepting requests.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.Events != nil {
		if err := s.Events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
		if n := s.Events.Dropped(); n > 0 {
			log.Warn().Int64("dropped", n).Msg("Routed events were dropped")
		}
	}
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ── Classifier service ──────────────────────────────────────

// ClassifierServer holds the initialized standalone classifier service.
type ClassifierServer struct {
	Handler http.Handler
	Port    int
}

// NewClassifierServer initializes the classifier service from the
// environment.
func NewClassifierServer(_ context.Context) (*ClassifierServer, error) {
	cfg := config.Load()
	c, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	return &ClassifierServer{
		Handler: api.NewClassifierRouter(handlers.NewClassifier(c, cfg.MaxTextLength)),
		Port:    cfg.ClassifierPort,
	}, nil
}

// ── Builders ────────────────────────────────────────────────

func overlay(cfg *config.Config, pub *Config) *config.Config {
	if pub == nil {
		return cfg
	}
	if pub.Port > 0 {
		cfg.Port = pub.Port
	}
	if pub.ClassifierPort > 0 {
		cfg.ClassifierPort = pub.ClassifierPort
	}
	if pub.Version != "" {
		cfg.Version = pub.Version
	}
	if pub.OTELEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = pub.OTELEndpoint
	}
	if pub.ServiceName != "" {
		cfg.Telemetry.ServiceName = pub.ServiceName
	}
	cfg.Telemetry.Enabled = cfg.Telemetry.Enabled || pub.OTELEnabled
	return cfg
}

func newClassifier(cfg config.ClassifierConfig) (*classifier.Classifier, error) {
	kw := classifier.DefaultKeywords()
	if cfg.KeywordsFile != "" {
		loaded, err := classifier.LoadKeywords(cfg.KeywordsFile)
		if err != nil {
			return nil, fmt.Errorf("init classifier: %w", err)
		}
		kw = loaded
		log.Info().Str("file", cfg.KeywordsFile).Msg("Classifier keywords loaded")
	}
	c, err := classifier.New(kw, classifier.Thresholds{
		SimpleMax:    cfg.SimpleMax,
		MediumMax:    cfg.MediumMax,
		MediumScore:  cfg.MediumScore,
		ComplexScore: cfg.ComplexScore,
	})
	if err != nil {
		return nil, fmt.Errorf("init classifier: %w", err)
	}
	return c, nil
}

func buildClassifier(cfg config.ClassifierConfig, doer transport.Doer) (router.Classifier, error) {
	if cfg.URL != "" {
		log.Info().Str("url", cfg.URL).Msg("Using remote classifier")
		return classifier.NewRemote(cfg.URL, doer, cfg.Timeout), nil
	}
	c, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Using in-process classifier")
	return classifier.NewLocal(c), nil
}

func buildPricing(raw string) *pricing.Table {
	if raw == "" {
		return pricing.NewTable(pricing.DefaultPrices)
	}
	t, err := pricing.ParseJSON(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid PRICING_JSON, using default prices")
		return pricing.NewTable(pricing.DefaultPrices)
	}
	return t
}

// ledger is a Store that is also fed as an event sink and pruned by the
// retention janitor.
type ledger interface {
	store.Store
	store.Pruner
	events.Sink
}

// startJanitor runs the retention janitor in the background until Close.
func (s *Server) startJanitor(ctx context.Context, book store.Pruner, cfg config.LedgerConfig) error {
	j := retention.NewJanitor(book, cfg.Retention, cfg.RetentionInterval)
	if cfg.ArchiveDir != "" {
		a := retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.ArchiveCompress)
		if err := a.HealthCheck(ctx); err != nil {
			return fmt.Errorf("init ledger archive: %w", err)
		}
		j.SetArchiver(a)
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(jctx)
	}()
	s.Janitor = j
	s.stopJanitor = func() {
		cancel()
		<-done
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.LedgerConfig) (ledger, error) {
	if cfg.Path == "" {
		return store.NewMemoryStore(cfg.Capacity), nil
	}
	s, err := store.NewSQLiteStore(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return s, nil
}
