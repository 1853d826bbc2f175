package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yungbote/neurobridge-bookgen/internal/data/db"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/heartbeat"
	"github.com/yungbote/neurobridge-bookgen/internal/observability"
)

type Config struct {
	LogMode string

	HTTPAddr        string
	DefaultTenantID string
	CORSOrigins     []string

	Postgres db.PostgresConfig

	ObjectStorageMode   string
	StorageEmulatorHost string
	ArtifactBucket      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIMaxRetries  int
	GenerationTimeout time.Duration

	WorkerEnabled            bool
	WorkerConcurrency        int
	WorkerPollInterval       time.Duration
	JobStaleAfter            time.Duration
	JobHeartbeatInterval     time.Duration
	OrchestratorPollInterval time.Duration
	OrchestratorMaxAttempts  int
	MaxSectionAttempts       int
	LeafMaxRetries           int

	AutofixMaxPolls             int
	AutofixMaxFixAttemptsPerSig int
	AutofixPollInterval         time.Duration

	Otel observability.OtelConfig
}

var defaults = map[string]any{
	"LOG_MODE":                         "development",
	"HTTP_ADDR":                        ":8080",
	"DEFAULT_TENANT_ID":                "",
	"CORS_ORIGINS":                     "",
	"POSTGRES_HOST":                    "localhost",
	"POSTGRES_PORT":                    "5432",
	"POSTGRES_USER":                    "postgres",
	"POSTGRES_PASSWORD":                "",
	"POSTGRES_NAME":                    "bookgen",
	"POSTGRES_SSLMODE":                 "disable",
	"POSTGRES_MAX_OPEN_CONNS":          20,
	"OBJECT_STORAGE_MODE":              "",
	"STORAGE_EMULATOR_HOST":            "",
	"BOOK_ARTIFACT_BUCKET":             "",
	"REDIS_ADDR":                       "",
	"REDIS_PASSWORD":                   "",
	"REDIS_DB":                         0,
	"REDIS_CHANNEL":                    "",
	"OPENAI_API_KEY":                   "",
	"OPENAI_BASE_URL":                  "",
	"OPENAI_MAX_RETRIES":               2,
	"GENERATION_TIMEOUT":               "3m",
	"WORKER_ENABLED":                   true,
	"WORKER_CONCURRENCY":               4,
	"WORKER_POLL_INTERVAL":             "1s",
	"JOB_STALE_AFTER":                  heartbeat.DefaultStaleAfter,
	"JOB_HEARTBEAT_INTERVAL":           heartbeat.DefaultInterval,
	"ORCHESTRATOR_POLL_INTERVAL":       "5s",
	"ORCHESTRATOR_MAX_ATTEMPTS":        600,
	"MAX_SECTION_ATTEMPTS":             0,
	"LEAF_MAX_RETRIES":                 3,
	"AUTOFIX_MAX_POLLS":                120,
	"AUTOFIX_MAX_FIX_ATTEMPTS_PER_SIG": 3,
	"AUTOFIX_POLL_INTERVAL":            "30s",
	"OTEL_ENABLED":                     false,
	"OTEL_SERVICE_NAME":                observability.DefaultServiceName,
	"OTEL_ENVIRONMENT":                 "",
	"OTEL_SERVICE_VERSION":             "",
	"OTEL_EXPORTER_OTLP_ENDPOINT":      "",
	"OTEL_EXPORTER_OTLP_HEADERS":       "",
	"OTEL_EXPORTER_OTLP_INSECURE":      false,
	"OTEL_TRACES_SAMPLER_ARG":          0.1,
}

// LoadConfig reads .env and .env.local when present, then the process environment over defaults.
func LoadConfig() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")
	return loadConfig(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.AutomaticEnv()
	return v
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogMode:         v.GetString("LOG_MODE"),
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		DefaultTenantID: strings.TrimSpace(v.GetString("DEFAULT_TENANT_ID")),
		CORSOrigins:     splitList(v.GetString("CORS_ORIGINS")),
		Postgres: db.PostgresConfig{
			Host:         v.GetString("POSTGRES_HOST"),
			Port:         v.GetString("POSTGRES_PORT"),
			User:         v.GetString("POSTGRES_USER"),
			Password:     v.GetString("POSTGRES_PASSWORD"),
			Name:         v.GetString("POSTGRES_NAME"),
			SSLMode:      v.GetString("POSTGRES_SSLMODE"),
			MaxOpenConns: v.GetInt("POSTGRES_MAX_OPEN_CONNS"),
		},
		ObjectStorageMode:   v.GetString("OBJECT_STORAGE_MODE"),
		StorageEmulatorHost: v.GetString("STORAGE_EMULATOR_HOST"),
		ArtifactBucket:      v.GetString("BOOK_ARTIFACT_BUCKET"),

		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisChannel:  v.GetString("REDIS_CHANNEL"),

		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
		OpenAIMaxRetries:  v.GetInt("OPENAI_MAX_RETRIES"),
		GenerationTimeout: v.GetDuration("GENERATION_TIMEOUT"),

		WorkerEnabled:            v.GetBool("WORKER_ENABLED"),
		WorkerConcurrency:        v.GetInt("WORKER_CONCURRENCY"),
		WorkerPollInterval:       v.GetDuration("WORKER_POLL_INTERVAL"),
		JobStaleAfter:            v.GetDuration("JOB_STALE_AFTER"),
		JobHeartbeatInterval:     v.GetDuration("JOB_HEARTBEAT_INTERVAL"),
		OrchestratorPollInterval: v.GetDuration("ORCHESTRATOR_POLL_INTERVAL"),
		OrchestratorMaxAttempts:  v.GetInt("ORCHESTRATOR_MAX_ATTEMPTS"),
		MaxSectionAttempts:       v.GetInt("MAX_SECTION_ATTEMPTS"),
		LeafMaxRetries:           v.GetInt("LEAF_MAX_RETRIES"),

		AutofixMaxPolls:             v.GetInt("AUTOFIX_MAX_POLLS"),
		AutofixMaxFixAttemptsPerSig: v.GetInt("AUTOFIX_MAX_FIX_ATTEMPTS_PER_SIG"),
		AutofixPollInterval:         v.GetDuration("AUTOFIX_POLL_INTERVAL"),

		Otel: observability.OtelConfig{
			Enabled:     v.GetBool("OTEL_ENABLED"),
			ServiceName: v.GetString("OTEL_SERVICE_NAME"),
			Environment: v.GetString("OTEL_ENVIRONMENT"),
			Version:     v.GetString("OTEL_SERVICE_VERSION"),
			Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Headers:     observability.ParseHeaders(v.GetString("OTEL_EXPORTER_OTLP_HEADERS")),
			Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRatio: observability.SampleRatio(v.GetFloat64("OTEL_TRACES_SAMPLER_ARG")),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JobHeartbeatInterval <= 0 || c.JobStaleAfter <= 0 {
		return fmt.Errorf("JOB_HEARTBEAT_INTERVAL and JOB_STALE_AFTER must be positive")
	}
	// a holder renewing on schedule must never look stale
	if c.JobHeartbeatInterval*2 > c.JobStaleAfter {
		return fmt.Errorf("JOB_STALE_AFTER (%s) must be at least twice JOB_HEARTBEAT_INTERVAL (%s)", c.JobStaleAfter, c.JobHeartbeatInterval)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.OrchestratorMaxAttempts < 0 || c.MaxSectionAttempts < 0 {
		return fmt.Errorf("ORCHESTRATOR_MAX_ATTEMPTS and MAX_SECTION_ATTEMPTS cannot be negative")
	}
	if c.AutofixMaxPolls < 1 || c.AutofixMaxFixAttemptsPerSig < 1 {
		return fmt.Errorf("AUTOFIX_MAX_POLLS and AUTOFIX_MAX_FIX_ATTEMPTS_PER_SIG must be at least 1")
	}
	return nil
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
