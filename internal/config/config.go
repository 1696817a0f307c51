// Package config loads layered configuration: built-in defaults, an optional
// YAML file, then TANDEM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lalithlochan/tandem/internal/agent"
	"github.com/lalithlochan/tandem/internal/circuitbreaker"
	"github.com/lalithlochan/tandem/internal/db"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/mongostore"
	"github.com/lalithlochan/tandem/internal/push"
	"github.com/lalithlochan/tandem/internal/redis"
	"github.com/lalithlochan/tandem/internal/sqs"
	"github.com/lalithlochan/tandem/internal/worker"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: TANDEM_DB__HOST sets db.host.
const EnvPrefix = "TANDEM_"

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "TANDEM_CONFIG_FILE"

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Agent sinks.
const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
)

type Config struct {
	Env      string `koanf:"env"`
	LogLevel string `koanf:"log_level"`
	Port     int    `koanf:"port"`

	Store StoreConfig       `koanf:"store"`
	DB    db.Config         `koanf:"db"`
	Mongo mongostore.Config `koanf:"mongo"`
	Redis redis.Config      `koanf:"redis"`

	AWS AWSConfig        `koanf:"aws"`
	SNS push.SNSConfig   `koanf:"sns"`
	SQS sqs.Config       `koanf:"sqs"`
	SES worker.SESConfig `koanf:"ses"`

	Dispatch DispatchConfig        `koanf:"dispatch"`
	Agent    AgentConfig           `koanf:"agent"`
	Locale   LocaleConfig          `koanf:"locale"`
	Push     PushConfig            `koanf:"push"`
	Breaker  circuitbreaker.Config `koanf:"breaker"`
	Admin    redis.RateLimitConfig `koanf:"admin"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"`
}

type AWSConfig struct {
	Region string `koanf:"region"`
}

// DispatchConfig carries both the engine windows and the server cron specs.
type DispatchConfig struct {
	Engine engine.Config `koanf:",squash"`
	Worker worker.Config `koanf:",squash"`
}

type AgentConfig struct {
	agent.Config `koanf:",squash"`
	LookAhead    time.Duration       `koanf:"look_ahead"` // zero keeps dispatch.client_look_ahead
	Sink         string              `koanf:"sink"`
	Webhook      agent.WebhookConfig `koanf:"webhook"`
}

type LocaleConfig struct {
	Default     string `koanf:"default"`
	CatalogFile string `koanf:"catalog_file"`
}

type PushConfig struct {
	DeepLinkBase string `koanf:"deep_link_base"`
}

// Load reads .env (best effort), the defaults, the file named by
// TANDEM_CONFIG_FILE and the environment, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config file path. An empty path skips the
// file layer; a path that does not exist is an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyFallbacks()

	return &cfg, nil
}

// envKey maps TANDEM_DISPATCH__MAX_ATTEMPTS to dispatch.max_attempts.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *Config) applyFallbacks() {
	for _, region := range []*string{&c.SNS.Region, &c.SQS.Region, &c.SES.Region} {
		if *region == "" {
			*region = c.AWS.Region
		}
	}

	// A comma-separated env value arrives as a single element.
	if len(c.SES.OperatorEmails) == 1 && strings.Contains(c.SES.OperatorEmails[0], ",") {
		var emails []string
		for _, e := range strings.Split(c.SES.OperatorEmails[0], ",") {
			if e = strings.TrimSpace(e); e != "" {
				emails = append(emails, e)
			}
		}
		c.SES.OperatorEmails = emails
	}

	if c.Dispatch.Engine.Language == "" {
		c.Dispatch.Engine.Language = c.Locale.Default
	}
}

// Validate checks the settings shared by the server and the agent.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendPostgres, BackendMongo, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q (supported: %s, %s, %s)",
			c.Store.Backend, BackendPostgres, BackendMongo, BackendMemory))
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	d := c.Dispatch.Engine
	if d.LookAhead <= 0 {
		errs = append(errs, errors.New("dispatch.look_ahead must be positive"))
	}
	if d.DeliveryGrace <= 0 {
		errs = append(errs, errors.New("dispatch.delivery_grace must be positive"))
	}
	if d.ClientLookAhead <= 0 {
		errs = append(errs, errors.New("dispatch.client_look_ahead must be positive"))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if d.BatchLimit <= 0 {
		errs = append(errs, errors.New("dispatch.batch_limit must be positive"))
	}
	if c.Dispatch.Worker.Retention <= 0 {
		errs = append(errs, errors.New("dispatch.retention must be positive"))
	}

	if c.Breaker.MaxFailures < 1 {
		errs = append(errs, errors.New("breaker.max_failures must be at least 1"))
	}
	if c.Redis.Enabled() && (c.Admin.Limit <= 0 || c.Admin.Window <= 0) {
		errs = append(errs, errors.New("admin.rate_limit and admin.rate_window must be positive"))
	}

	return errors.Join(errs...)
}

// ValidateAgent additionally checks the agent section.
func (c *Config) ValidateAgent() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}

	a := c.Agent
	if a.UserID == "" {
		errs = append(errs, errors.New("agent.user_id is required"))
	}
	if a.PollInterval <= 0 {
		errs = append(errs, errors.New("agent.poll_interval must be positive"))
	}
	if a.LookAhead < 0 {
		errs = append(errs, errors.New("agent.look_ahead must not be negative"))
	}
	switch a.Sink {
	case SinkLog:
	case SinkWebhook:
		if a.Webhook.URL == "" {
			errs = append(errs, errors.New("agent.webhook.url is required for the webhook sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown agent sink %q", a.Sink))
	}

	return errors.Join(errs...)
}

// EngineConfig is the engine section. A non-zero agent.look_ahead overrides
// dispatch.client_look_ahead.
func (c *Config) EngineConfig() engine.Config {
	ec := c.Dispatch.Engine
	if c.Agent.LookAhead > 0 {
		ec.ClientLookAhead = c.Agent.LookAhead
	}
	return ec
}
