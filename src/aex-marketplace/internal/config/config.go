package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port        string
	Environment string

	// Persistence
	StoreType          string // memory|mongo
	JobStoreType       string // memory|mongo|firestore, defaults to StoreType
	MongoURI           string
	MongoDB            string
	FirestoreProjectID string
	FirestoreJobs      string

	// Event delivery
	RedisURL      string
	RedisPrefix   string
	WebhookURL    string
	EventsWebhook []string // event types forwarded to WebhookURL

	// Scheduling
	BidWindow           time.Duration
	CoordinatorInterval time.Duration
	WorkerInterval      time.Duration
	ExecutionTimeout    time.Duration
	MaxWindowReopens    int

	// Scoring weights for price, confidence and ETA
	PriceWeight      float64
	ConfidenceWeight float64
	ETAWeight        float64

	// Ledger
	PlatformFeeRate           decimal.Decimal
	CreatorShareRate          decimal.Decimal
	CoordinatorWallet         string
	CoordinatorInitialBalance decimal.Decimal
	TransferVerifierURL       string

	// Decider
	Decider          string // rules|anthropic|openrouter
	AnthropicAPIKey  string
	AnthropicModel   string
	OpenRouterAPIKey string
	OpenRouterModel  string
	LLMMaxAttempts   int
	LLMRateLimit     float64 // requests per second
	LLMTimeout       time.Duration

	SeedAgents bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		StoreType:           getEnv("STORE_TYPE", "memory"),
		MongoURI:            getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:             getEnv("MONGO_DB", "aex_marketplace"),
		FirestoreProjectID:  getEnv("FIRESTORE_PROJECT_ID", ""),
		FirestoreJobs:       getEnv("FIRESTORE_COLLECTION", "marketplace_jobs"),
		RedisURL:            getEnv("REDIS_URL", ""),
		RedisPrefix:         getEnv("REDIS_CHANNEL_PREFIX", "aex:events:"),
		WebhookURL:          getEnv("WEBHOOK_URL", ""),
		CoordinatorWallet:   getEnv("COORDINATOR_WALLET", "coordinator"),
		TransferVerifierURL: getEnv("TRANSFER_VERIFIER_URL", ""),
		Decider:             getEnv("DECIDER", "rules"),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OpenRouterAPIKey:    getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterModel:     getEnv("OPENROUTER_MODEL", "openai/gpt-4o-mini"),
	}
	cfg.JobStoreType = getEnv("JOB_STORE_TYPE", cfg.StoreType)
	cfg.EventsWebhook = splitList(getEnv("WEBHOOK_EVENTS", "job.completed,job.failed"))

	var err error
	if cfg.BidWindow, err = getDuration("BID_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CoordinatorInterval, err = getDuration("COORDINATOR_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerInterval, err = getDuration("WORKER_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeout, err = getDuration("EXECUTION_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LLMTimeout, err = getDuration("LLM_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxWindowReopens, err = getInt("MAX_WINDOW_REOPENS", 0); err != nil {
		return nil, err
	}
	if cfg.LLMMaxAttempts, err = getInt("LLM_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.LLMRateLimit, err = getFloat("LLM_RATE_LIMIT", 2); err != nil {
		return nil, err
	}
	if cfg.PriceWeight, err = getFloat("SCORE_WEIGHT_PRICE", 0.3); err != nil {
		return nil, err
	}
	if cfg.ConfidenceWeight, err = getFloat("SCORE_WEIGHT_CONFIDENCE", 0.5); err != nil {
		return nil, err
	}
	if cfg.ETAWeight, err = getFloat("SCORE_WEIGHT_ETA", 0.2); err != nil {
		return nil, err
	}
	if cfg.PlatformFeeRate, err = getDecimal("PLATFORM_FEE_RATE", "0"); err != nil {
		return nil, err
	}
	if cfg.CreatorShareRate, err = getDecimal("CREATOR_SHARE_RATE", "0"); err != nil {
		return nil, err
	}
	if cfg.CoordinatorInitialBalance, err = getDecimal("COORDINATOR_INITIAL_BALANCE", "100.00"); err != nil {
		return nil, err
	}
	cfg.SeedAgents = getEnv("SEED_AGENTS", "true") != "false"

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreType {
	case "memory", "mongo":
	default:
		return fmt.Errorf("STORE_TYPE must be memory or mongo, got %q", c.StoreType)
	}
	switch c.JobStoreType {
	case "memory", "mongo":
	case "firestore":
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required when JOB_STORE_TYPE=firestore")
		}
	default:
		return fmt.Errorf("JOB_STORE_TYPE must be memory, mongo or firestore, got %q", c.JobStoreType)
	}
	switch c.Decider {
	case "rules":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when DECIDER=anthropic")
		}
	case "openrouter":
		if c.OpenRouterAPIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required when DECIDER=openrouter")
		}
	default:
		return fmt.Errorf("DECIDER must be rules, anthropic or openrouter, got %q", c.Decider)
	}
	if c.BidWindow <= 0 || c.CoordinatorInterval <= 0 || c.WorkerInterval <= 0 || c.ExecutionTimeout <= 0 {
		return fmt.Errorf("scheduling intervals must be positive")
	}
	if c.PriceWeight < 0 || c.ConfidenceWeight < 0 || c.ETAWeight < 0 {
		return fmt.Errorf("score weights must not be negative")
	}
	if c.PlatformFeeRate.IsNegative() || c.CreatorShareRate.IsNegative() ||
		c.PlatformFeeRate.Add(c.CreatorShareRate).GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE and CREATOR_SHARE_RATE must be non-negative and sum to at most 1")
	}
	if c.CoordinatorInitialBalance.IsNegative() {
		return fmt.Errorf("COORDINATOR_INITIAL_BALANCE must not be negative")
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
