// Package config loads boot-time configuration from the environment using
// struct tags, with an optional .env file loaded first for local
// development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-sourced setting this service boots with.
type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"expensecore"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"expensecore"`
	}

	Blob struct {
		URL string `envconfig:"BLOB_URL" default:"file:///var/lib/expensecore/blobs"`
	}

	LLM struct {
		APIKey            string        `envconfig:"LLM_API_KEY"`
		SmallModel        string        `envconfig:"LLM_SMALL_MODEL" default:"gpt-4o-mini"`
		LargeModel        string        `envconfig:"LLM_LARGE_MODEL" default:"gpt-4o"`
		SmallTimeout      time.Duration `envconfig:"LLM_SMALL_TIMEOUT" default:"20s"`
		LargeTimeout      time.Duration `envconfig:"LLM_LARGE_TIMEOUT" default:"90s"`
		SmallBucketSize   int           `envconfig:"LLM_SMALL_BUCKET_SIZE" default:"60"`
		LargeBucketSize   int           `envconfig:"LLM_LARGE_BUCKET_SIZE" default:"10"`
		LargeTokenBudget  int           `envconfig:"LLM_LARGE_TOKEN_BUDGET" default:"2000000"`
		BucketWaitTimeout time.Duration `envconfig:"LLM_BUCKET_WAIT_TIMEOUT" default:"5s"`
	}

	Categorization struct {
		MinConfidence     int     `envconfig:"CATEGORIZATION_MIN_CONFIDENCE" default:"70"`
		AffinityMinCount  int     `envconfig:"AFFINITY_MIN_COUNT" default:"5"`
		AffinityMinRatio  float64 `envconfig:"AFFINITY_MIN_RATIO" default:"0.90"`
		RetrainIntervalHr int     `envconfig:"RETRAIN_INTERVAL_HOURS" default:"6"`
	}

	Tolerance struct {
		AmountAbs        string  `envconfig:"TOLERANCE_AMOUNT_ABS" default:"0.05"`
		AmountRel        float64 `envconfig:"TOLERANCE_AMOUNT_REL" default:"0.005"`
		FuzzyVendorScore int     `envconfig:"FUZZY_VENDOR_THRESHOLD" default:"85"`
	}

	Cache struct {
		TTLDays int `envconfig:"CACHE_TTL_DAYS" default:"30"`
	}

	Agents struct {
		CooldownSeconds  int `envconfig:"AGENT_COOLDOWN_SECONDS" default:"5"`
		CooldownCapacity int `envconfig:"AGENT_COOLDOWN_CAPACITY" default:"200"`
		DigestIntervalHr int `envconfig:"DIGEST_INTERVAL_HOURS" default:"4"`
	}

	AutoAuth struct {
		AllowBillBasedAuth  bool   `envconfig:"AUTOAUTH_ALLOW_BILL_BASED" default:"true"`
		HealthSweepDays     int    `envconfig:"AUTOAUTH_HEALTH_SWEEP_DAYS" default:"14"`
		EscalationThreshold string `envconfig:"AUTOAUTH_ESCALATION_AMOUNT" default:"2500.00"`
	}

	Auth struct {
		JWTSecret          string        `envconfig:"JWT_SECRET" required:"true"`
		CapabilityCacheTTL time.Duration `envconfig:"CAPABILITY_CACHE_TTL" default:"60s"`
		TokenTTL           time.Duration `envconfig:"AUTH_TOKEN_TTL" default:"8h"`
	}

	Orchestrator struct {
		PollInterval            time.Duration `envconfig:"ORCHESTRATOR_POLL_INTERVAL" default:"2s"`
		MaxAttempts             int           `envconfig:"ORCHESTRATOR_MAX_ATTEMPTS" default:"3"`
		BackoffBase             time.Duration `envconfig:"ORCHESTRATOR_BACKOFF_BASE" default:"30s"`
		SystemActorID           string        `envconfig:"ORCHESTRATOR_SYSTEM_ACTOR_ID" required:"true"`
		OverrideScanIntervalMin int           `envconfig:"ORCHESTRATOR_OVERRIDE_SCAN_INTERVAL_MINUTES" default:"10"`
		OverrideScanWindowHr    int           `envconfig:"ORCHESTRATOR_OVERRIDE_SCAN_WINDOW_HOURS" default:"24"`
	}

	Server struct {
		Timeout     time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
		DBTimeout   time.Duration `envconfig:"DB_TIMEOUT" default:"30s"`
		BlobTimeout time.Duration `envconfig:"BLOB_TIMEOUT" default:"60s"`
		MaxUploadMB int64         `envconfig:"MAX_UPLOAD_MB" default:"25"`
	}

	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"db/migrations"`
}

// ConnectionString builds the Postgres DSN.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Load reads a local .env if present (ignored in production where real env
// vars are already set) and then processes the environment into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
