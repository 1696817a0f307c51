package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Port != 8080 || cfg.Env != "development" || cfg.Store.Backend != BackendPostgres {
		t.Errorf("unexpected top-level defaults: %+v", cfg)
	}
	if cfg.DB.Host != "localhost" || cfg.DB.Port != 5432 || cfg.DB.Database != "tandem" {
		t.Errorf("unexpected db defaults: %+v", cfg.DB)
	}
	e := cfg.Dispatch.Engine
	if e.LookAhead != 2*time.Minute || e.DeliveryGrace != 10*time.Minute || e.MaxAttempts != 3 {
		t.Errorf("unexpected engine defaults: %+v", e)
	}
	w := cfg.Dispatch.Worker
	if w.TickSpec != "@every 30s" || w.Retention != 30*24*time.Hour {
		t.Errorf("unexpected worker defaults: %+v", w)
	}
	if cfg.Breaker.RecoveryTimeout != 30*time.Second || cfg.Admin.Window != time.Minute {
		t.Errorf("unexpected breaker/admin defaults: %+v %+v", cfg.Breaker, cfg.Admin)
	}
	if cfg.SNS.Region != "us-east-1" || cfg.SQS.Region != "us-east-1" {
		t.Errorf("service regions should fall back to aws.region, got %q %q", cfg.SNS.Region, cfg.SQS.Region)
	}
	if e.Language != "en" {
		t.Errorf("engine language should fall back to locale.default, got %q", e.Language)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	yaml := `
port: 9090
store:
  backend: mongo
dispatch:
  max_attempts: 5
  look_ahead: 90s
sns:
  region: eu-west-1
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TANDEM_PORT", "7070")
	t.Setenv("TANDEM_DB__HOST", "db.internal")
	t.Setenv("TANDEM_DISPATCH__DELIVERY_GRACE", "5m")
	t.Setenv("TANDEM_SES__OPERATOR_EMAILS", "ops@example.com, oncall@example.com")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Port != 7070 {
		t.Errorf("env should override file port, got %d", cfg.Port)
	}
	if cfg.Store.Backend != BackendMongo {
		t.Errorf("file should set backend, got %q", cfg.Store.Backend)
	}
	if cfg.DB.Host != "db.internal" {
		t.Errorf("env should set db host, got %q", cfg.DB.Host)
	}
	e := cfg.Dispatch.Engine
	if e.MaxAttempts != 5 || e.LookAhead != 90*time.Second || e.DeliveryGrace != 5*time.Minute {
		t.Errorf("unexpected dispatch: %+v", e)
	}
	if cfg.SNS.Region != "eu-west-1" || cfg.SQS.Region != "us-east-1" {
		t.Errorf("unexpected regions: sns=%q sqs=%q", cfg.SNS.Region, cfg.SQS.Region)
	}
	if got := strings.Join(cfg.SES.OperatorEmails, "|"); got != "ops@example.com|oncall@example.com" {
		t.Errorf("unexpected operator emails %q", got)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"TANDEM_PORT":                   "port",
		"TANDEM_DB__HOST":               "db.host",
		"TANDEM_DISPATCH__MAX_ATTEMPTS": "dispatch.max_attempts",
		"TANDEM_AGENT__WEBHOOK__URL":    "agent.webhook.url",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }, "unknown store backend"},
		{"zero look ahead", func(c *Config) { c.Dispatch.Engine.LookAhead = 0 }, "dispatch.look_ahead"},
		{"negative grace", func(c *Config) { c.Dispatch.Engine.DeliveryGrace = -time.Minute }, "dispatch.delivery_grace"},
		{"zero attempts", func(c *Config) { c.Dispatch.Engine.MaxAttempts = 0 }, "dispatch.max_attempts"},
		{"zero retention", func(c *Config) { c.Dispatch.Worker.Retention = 0 }, "dispatch.retention"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"redis without limits", func(c *Config) { c.Redis.Host = "localhost"; c.Admin.Limit = 0 }, "admin.rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAgent(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}

	if err := cfg.ValidateAgent(); err == nil || !strings.Contains(err.Error(), "agent.user_id") {
		t.Errorf("expected missing user id error, got %v", err)
	}

	cfg.Agent.UserID = "alice"
	if err := cfg.ValidateAgent(); err != nil {
		t.Errorf("expected valid agent config, got %v", err)
	}

	cfg.Agent.Sink = SinkWebhook
	if err := cfg.ValidateAgent(); err == nil || !strings.Contains(err.Error(), "webhook.url") {
		t.Errorf("expected webhook url error, got %v", err)
	}
	cfg.Agent.Webhook.URL = "http://localhost:9000/notify"
	if err := cfg.ValidateAgent(); err != nil {
		t.Errorf("expected valid webhook config, got %v", err)
	}
}

func TestEngineConfig_AgentLookAhead(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.EngineConfig().ClientLookAhead; got != 24*time.Hour {
		t.Errorf("expected dispatch default, got %s", got)
	}
	cfg.Agent.LookAhead = 6 * time.Hour
	if got := cfg.EngineConfig().ClientLookAhead; got != 6*time.Hour {
		t.Errorf("expected agent override, got %s", got)
	}
}
