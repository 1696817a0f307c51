package config

import (
	"github.com/knadh/koanf/providers/confmap"
)

func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"env":       "development",
		"log_level": "info",
		"port":      8080,
		"store": map[string]interface{}{
			"backend": BackendPostgres,
		},
		"db": map[string]interface{}{
			"host":      "localhost",
			"port":      5432,
			"user":      "tandem",
			"password":  "",
			"name":      "tandem",
			"sslmode":   "disable",
			"max_conns": 10,
		},
		"mongo": map[string]interface{}{
			"uri":      "mongodb://localhost:27017",
			"database": "tandem",
		},
		// Empty host disables claims and admin rate limiting.
		"redis": map[string]interface{}{
			"host":     "",
			"port":     6379,
			"password": "",
			"db":       0,
		},
		"aws": map[string]interface{}{
			"region": "us-east-1",
		},
		"sns": map[string]interface{}{
			"region":   "",
			"endpoint": "",
		},
		"sqs": map[string]interface{}{
			"region":    "",
			"queue_url": "",
			"endpoint":  "",
		},
		"ses": map[string]interface{}{
			"region":          "",
			"from_email":      "",
			"operator_emails": []string{},
		},
		"dispatch": map[string]interface{}{
			"look_ahead":        "2m",
			"delivery_grace":    "10m",
			"max_attempts":      3,
			"client_look_ahead": "24h",
			"batch_limit":       500,
			"tick_spec":         "@every 30s",
			"cleanup_spec":      "30 3 * * *",
			"digest_spec":       "0 8 * * *",
			"retention":         "720h",
			"tick_timeout":      "25s",
		},
		"agent": map[string]interface{}{
			"user_id":          "",
			"poll_interval":    "1m",
			"ledger_retention": "48h",
			"sink":             SinkLog,
			"webhook": map[string]interface{}{
				"url":     "",
				"timeout": "10s",
			},
		},
		"locale": map[string]interface{}{
			"default":      "en",
			"catalog_file": "",
		},
		"push": map[string]interface{}{
			"deep_link_base": "tandem://reminders/",
		},
		"breaker": map[string]interface{}{
			"name":                   "sns",
			"max_failures":           5,
			"recovery_timeout":       "30s",
			"half_open_max_requests": 1,
		},
		"admin": map[string]interface{}{
			"rate_limit":  60,
			"rate_window": "1m",
		},
	}
}

func NewDefaultProvider() *confmap.Confmap {
	return confmap.Provider(DefaultConfig(), ".")
}
