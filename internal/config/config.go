package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ignatij/sagaflow/pkg/service"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPPort     = "8080"
	DefaultRetentionTTL = 7 * 24 * time.Hour
)

// PolicyConfig overrides the retry policy of a workflow node.
type PolicyConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      string        `yaml:"backoff"` // fixed | exponential
	Delay        time.Duration `yaml:"delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	Timeout      time.Duration `yaml:"timeout"`
	TimeoutFatal bool          `yaml:"timeout_fatal"`
}

type Config struct {
	DatabaseURL        string                  `yaml:"database_url"`
	LogLevel           string                  `yaml:"log_level"`
	HTTPPort           string                  `yaml:"http_port"`
	MaxConcurrentRuns  int                     `yaml:"max_concurrent_runs"`
	MaxParallelSteps   int                     `yaml:"max_parallel_steps"`
	DefaultStepTimeout time.Duration           `yaml:"default_step_timeout"`
	RetentionTTL       time.Duration           `yaml:"retention_ttl"`
	RedisAddr          string                  `yaml:"redis_addr"`
	RedisChannelPrefix string                  `yaml:"redis_channel_prefix"`
	Policies           map[string]PolicyConfig `yaml:"policies"`
}

// Load reads .env if present, then the YAML file at path (or $SAGAFLOW_CONFIG
// when path is empty), then applies environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:           DefaultHTTPPort,
		DefaultStepTimeout: service.DefaultStepTimeout,
		RetentionTTL:       DefaultRetentionTTL,
	}
	if path == "" {
		path = os.Getenv("SAGAFLOW_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if _, err := cfg.RetryPolicies(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	} else if url := databaseURLFromParts(); url != "" {
		c.DatabaseURL = url
	}
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.HTTPPort, "HTTP_PORT")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")
	if err := setInt(&c.MaxConcurrentRuns, "SAGAFLOW_MAX_CONCURRENT_RUNS"); err != nil {
		return err
	}
	if err := setInt(&c.MaxParallelSteps, "SAGAFLOW_MAX_PARALLEL_STEPS"); err != nil {
		return err
	}
	if err := setDuration(&c.DefaultStepTimeout, "SAGAFLOW_STEP_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.RetentionTTL, "SAGAFLOW_RETENTION_TTL")
}

// databaseURLFromParts builds a connection string from the DB_* variables,
// or returns "" when any of them is missing.
func databaseURLFromParts() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

// RetryPolicies converts the configured overrides, keyed by node name.
func (c Config) RetryPolicies() (map[string]workflow.RetryPolicy, error) {
	policies := make(map[string]workflow.RetryPolicy, len(c.Policies))
	for name, p := range c.Policies {
		backoff := workflow.BackoffKind(p.Backoff)
		switch backoff {
		case "":
			backoff = workflow.BackoffFixed
		case workflow.BackoffFixed, workflow.BackoffExponential:
		default:
			return nil, errors.Errorf("policy %s: unknown backoff '%s'", name, p.Backoff)
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return nil, errors.Errorf("policy %s: jitter must be between 0 and 1", name)
		}
		policies[name] = workflow.RetryPolicy{
			MaxAttempts:  p.MaxAttempts,
			Backoff:      backoff,
			Delay:        p.Delay,
			MaxDelay:     p.MaxDelay,
			Jitter:       p.Jitter,
			Timeout:      p.Timeout,
			TimeoutFatal: p.TimeoutFatal,
		}
	}
	return policies, nil
}

// ServiceOptions returns the engine options described by the configuration.
func (c Config) ServiceOptions() ([]service.Option, error) {
	policies, err := c.RetryPolicies()
	if err != nil {
		return nil, err
	}
	return []service.Option{
		service.WithMaxConcurrentRuns(c.MaxConcurrentRuns),
		service.WithMaxParallelSteps(c.MaxParallelSteps),
		service.WithDefaultStepTimeout(c.DefaultStepTimeout),
		service.WithPolicyOverrides(policies),
	}, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}
	*dst = d
	return nil
}
