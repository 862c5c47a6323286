package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tierroute services.
type Config struct {
	Port           int
	ClassifierPort int
	Version        string
	MaxTextLength  int

	Provider   ProviderConfig
	Classifier ClassifierConfig
	Routing    RoutingConfig
	Telemetry  TelemetryConfig
	Events     EventsConfig
	Ledger     LedgerConfig
}

type ProviderConfig struct {
	Kind            string // gemini | openai
	GeminiAPIKey    string
	GeminiBaseURL   string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration
	MaxAttempts     int
	BaseDelay       time.Duration
}

// APIKey returns the credential for the configured kind.
func (p ProviderConfig) APIKey() string {
	if p.Kind == "openai" {
		return p.OpenAIAPIKey
	}
	return p.GeminiAPIKey
}

// BaseURL returns the API root override for the configured kind.
func (p ProviderConfig) BaseURL() string {
	if p.Kind == "openai" {
		return p.OpenAIBaseURL
	}
	return p.GeminiBaseURL
}

type ClassifierConfig struct {
	// URL of a remote classifier service. Empty classifies in process.
	URL          string
	Timeout      time.Duration
	SimpleMax    int
	MediumMax    int
	MediumScore  int
	ComplexScore int
	KeywordsFile string
}

type RoutingConfig struct {
	ModelSimple  string
	ModelMedium  string
	ModelComplex string
	PricingJSON  string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type EventsConfig struct {
	Buffer        int
	NATSURL       string
	NATSSubject   string
	WebhookURL    string
	WebhookSecret string
}

type LedgerConfig struct {
	// Path of the SQLite ledger. Empty keeps the ledger in memory.
	Path     string
	Capacity int

	// Retention of 0 keeps events forever.
	Retention         time.Duration
	RetentionInterval time.Duration
	// ArchiveDir enables archive-and-purge; empty purges only.
	ArchiveDir      string
	ArchiveCompress bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:           envInt("TIERROUTE_PORT", 8080),
		ClassifierPort: envInt("TIERROUTE_CLASSIFIER_PORT", 8081),
		Version:        envStr("TIERROUTE_VERSION", "0.1.0"),
		MaxTextLength:  envInt("MAX_TEXT_LENGTH", 20000),
		Provider: ProviderConfig{
			Kind:            strings.ToLower(envStr("PROVIDER_KIND", "gemini")),
			GeminiAPIKey:    envStr("GEMINI_API_KEY", ""),
			GeminiBaseURL:   envStr("GEMINI_BASE_URL", ""),
			OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
			MaxOutputTokens: envInt("MAX_OUTPUT_TOKENS", 1024),
			Temperature:     envFloat("PROVIDER_TEMPERATURE", 0.2),
			Timeout:         envDuration("PROVIDER_TIMEOUT", 25*time.Second),
			MaxAttempts:     envInt("PROVIDER_MAX_ATTEMPTS", 3),
			BaseDelay:       envDuration("PROVIDER_BASE_DELAY", 150*time.Millisecond),
		},
		Classifier: ClassifierConfig{
			URL:          envStr("CLASSIFIER_URL", ""),
			Timeout:      envDuration("CLASSIFIER_TIMEOUT", 8*time.Second),
			SimpleMax:    envInt("SIMPLE_MAX", 25),
			MediumMax:    envInt("MEDIUM_MAX", 100),
			MediumScore:  envInt("MEDIUM_SCORE_THRESHOLD", 2),
			ComplexScore: envInt("COMPLEX_SCORE_THRESHOLD", 5),
			KeywordsFile: envStr("CLASSIFIER_KEYWORDS_FILE", ""),
		},
		Routing: RoutingConfig{
			ModelSimple:  envStr("MODEL_SIMPLE", "gemini-2.0-flash-lite"),
			ModelMedium:  envStr("MODEL_MEDIUM", "gemini-2.5-flash"),
			ModelComplex: envStr("MODEL_COMPLEX", "gemini-2.5-pro"),
			PricingJSON:  envStr("PRICING_JSON", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tierroute-router"),
		},
		Events: EventsConfig{
			Buffer:        envInt("EVENT_BUFFER", 1024),
			NATSURL:       envStr("NATS_URL", ""),
			NATSSubject:   envStr("NATS_EVENTS_SUBJECT", "tierroute.routed"),
			WebhookURL:    envStr("EVENTS_WEBHOOK_URL", ""),
			WebhookSecret: envStr("EVENTS_WEBHOOK_SECRET", ""),
		},
		Ledger: LedgerConfig{
			Path:     envStr("LEDGER_PATH", ""),
			Capacity: envInt("LEDGER_CAPACITY", 1000),

			Retention:         envDuration("LEDGER_RETENTION", 0),
			RetentionInterval: envDuration("LEDGER_RETENTION_INTERVAL", time.Hour),
			ArchiveDir:        envStr("LEDGER_ARCHIVE_DIR", ""),
			ArchiveCompress:   envBool("LEDGER_ARCHIVE_COMPRESS", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("250ms") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
