// Package config loads IMQ's process configuration from the environment.
// It is read once at startup into an immutable Config value; nothing in
// IMQ re-reads os.Getenv after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octoqueue/imq/internal/domain"
)

// Config is the immutable, process-wide configuration snapshot.
type Config struct {
	GitHubToken   string
	GitHubOwner   string
	GitHubRepo    string
	WebhookSecret string
	TriggerLabel  string
	APIHost       string
	APIPort       string

	DatabasePath     string
	DatabasePoolSize int
	DatabaseURL      string // optional: when set, pgstore is used instead of memstore
	RedisAddr        string // optional: when set, the result cache gains a Redis tier
	CheckConfigFile  string // optional: YAML-authored CheckConfiguration seeded at first boot

	LogLevel  string
	LogFormat string

	MaxConcurrentProcessing int
	ProcessingInterval      time.Duration
	ProcessingTimeout       time.Duration
	ShutdownTimeout         time.Duration
}

// Load reads and validates the recognized IMQ_* environment variables.
// It is fatal-at-startup by contract: callers that need a required key
// missing should treat the returned error as unrecoverable.
func Load() (Config, error) {
	cfg := Config{
		GitHubToken:   os.Getenv("IMQ_GITHUB_TOKEN"),
		WebhookSecret: os.Getenv("IMQ_WEBHOOK_SECRET"),
		TriggerLabel:  getenvDefault("IMQ_TRIGGER_LABEL", "A-merge"),
		APIHost:       getenvDefault("IMQ_API_HOST", "0.0.0.0"),
		APIPort:       getenvDefault("IMQ_API_PORT", "8080"),

		DatabasePath:    getenvDefault("IMQ_DATABASE_PATH", defaultDatabasePath()),
		DatabaseURL:     os.Getenv("IMQ_DATABASE_URL"),
		RedisAddr:       os.Getenv("IMQ_REDIS_ADDR"),
		CheckConfigFile: os.Getenv("IMQ_CHECK_CONFIG_FILE"),

		LogLevel:  getenvDefault("IMQ_LOG_LEVEL", "info"),
		LogFormat: getenvDefault("IMQ_LOG_FORMAT", "pretty"),

		MaxConcurrentProcessing: 3,
		ProcessingInterval:      30 * time.Second,
		ProcessingTimeout:       300 * time.Second,
		ShutdownTimeout:         60 * time.Second,
	}

	repoFull := os.Getenv("IMQ_GITHUB_REPO")
	owner, name, err := splitOwnerRepo(repoFull)
	if err != nil {
		return Config{}, fmt.Errorf("invalid IMQ_GITHUB_REPO: %w", err)
	}
	cfg.GitHubOwner, cfg.GitHubRepo = owner, name

	if cfg.GitHubToken == "" {
		return Config{}, fmt.Errorf("IMQ_GITHUB_TOKEN is required")
	}

	poolSize := 5
	if raw := os.Getenv("IMQ_DATABASE_POOL_SIZE"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return Config{}, fmt.Errorf("invalid IMQ_DATABASE_POOL_SIZE %q: %w", raw, convErr)
		}
		poolSize = n
	}
	cfg.DatabasePoolSize = poolSize

	return cfg, nil
}

// Addr returns the "host:port" the webhook/metrics server should bind to.
func (c Config) Addr() string {
	return c.APIHost + ":" + c.APIPort
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".imq/imq.db"
	}
	return home + "/.imq/imq.db"
}

// yamlCheckConfiguration is the human-editable authoring format for a
// domain.CheckConfiguration. Production reads/writes the JSON form through
// the Configuration repository (spec.md §3); this YAML shape exists purely
// so an operator (or a test fixture) can hand-author a check pipeline.
type yamlCheckConfiguration struct {
	FailFast bool        `yaml:"fail_fast"`
	Checks   []yamlCheck `yaml:"checks"`
}

type yamlCheck struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Params       map[string]string `yaml:"params"`
	TimeoutSecs  int               `yaml:"timeout_seconds"`
	Dependencies []string          `yaml:"dependencies"`
}

// LoadCheckConfigFromFile reads a YAML-authored check pipeline and converts
// it to the domain.CheckConfiguration the check-execution engine consumes.
func LoadCheckConfigFromFile(filename string) (domain.CheckConfiguration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return domain.CheckConfiguration{}, fmt.Errorf("failed to read check config file: %w", err)
	}

	var raw yamlCheckConfiguration
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.CheckConfiguration{}, fmt.Errorf("failed to parse check config file: %w", err)
	}

	cfg := domain.CheckConfiguration{
		FailFast: raw.FailFast,
		Checks:   make([]domain.Check, 0, len(raw.Checks)),
	}
	for _, c := range raw.Checks {
		if c.ID == "" {
			return domain.CheckConfiguration{}, fmt.Errorf("check %q missing required field 'id'", c.Name)
		}
		cfg.Checks = append(cfg.Checks, domain.Check{
			ID:           c.ID,
			Name:         c.Name,
			Kind:         domain.CheckKind(c.Kind),
			Params:       c.Params,
			Timeout:      time.Duration(c.TimeoutSecs) * time.Second,
			Dependencies: c.Dependencies,
		})
	}
	return cfg, nil
}

func splitOwnerRepo(full string) (owner, name string, err error) {
	if full == "" {
		return "", "", fmt.Errorf("required")
	}
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			owner, name = full[:i], full[i+1:]
			if owner == "" || name == "" {
				return "", "", fmt.Errorf("expected owner/name, got %q", full)
			}
			return owner, name, nil
		}
	}
	return "", "", fmt.Errorf("expected owner/name, got %q", full)
}
