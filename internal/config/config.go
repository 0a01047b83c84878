// Package config loads the chatrelay TOML configuration.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "chatrelay"
	DefaultPGSSLMode        = "disable"
	DefaultToleranceSeconds = 300
	DefaultMentionMarker    = "@Assistant"
	DefaultHealthcheckCron  = "*/5 * * * *"
)

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Webhook     WebhookConfig     `toml:"webhook"`
	Platform    PlatformConfig    `toml:"platform"`
	Vault       VaultConfig       `toml:"vault"`
	Answer      AnswerConfig      `toml:"answer"`
	Docstore    DocstoreConfig    `toml:"docstore"`
	Healthcheck HealthcheckConfig `toml:"healthcheck"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" validate:"required"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// WebhookConfig covers the inbound event-subscription endpoint.
type WebhookConfig struct {
	// SigningSecret is the shared webhook secret: base64, optionally
	// prefixed with "whsec_".
	SigningSecret    string `toml:"signing_secret" validate:"required"`
	ToleranceSeconds int    `toml:"tolerance_seconds"`
	// AssistantIdentity is the platform-side member id of the assistant,
	// used for loop prevention.
	AssistantIdentity string `toml:"assistant_identity" validate:"required"`
	// MentionMarker is the literal that marks an explicit mention of the
	// assistant in group messages.
	MentionMarker string `toml:"mention_marker"`
	// PublicEndpoint is the externally reachable URL of the webhook
	// endpoint, registered with the platform when creating subscriptions.
	PublicEndpoint string `toml:"public_endpoint" validate:"omitempty,url"`
}

// PlatformConfig covers the external team-chat platform REST API.
type PlatformConfig struct {
	BaseURL string `toml:"base_url" validate:"required,url"`
	// DefaultCredential is the global fallback token used before a tenant
	// has onboarded its own credential.
	DefaultCredential string `toml:"default_credential"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxRetries        int    `toml:"max_retries"`
}

type VaultConfig struct {
	// Secret derives the AES key for credential encryption.
	Secret string `toml:"secret" validate:"required"`
}

type AnswerConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	Mode           string `toml:"mode"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	HistoryLimit   int    `toml:"history_limit"`
}

type DocstoreConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type HealthcheckConfig struct {
	// Cron is a robfig/cron spec for the subscription health check.
	Cron     string `toml:"cron"`
	Disabled bool   `toml:"disabled"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Webhook: WebhookConfig{
			ToleranceSeconds: DefaultToleranceSeconds,
			MentionMarker:    DefaultMentionMarker,
		},
		Platform: PlatformConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Answer: AnswerConfig{
			Mode:           "grounded",
			TimeoutSeconds: 120,
			HistoryLimit:   20,
		},
		Docstore: DocstoreConfig{
			TimeoutSeconds: 30,
		},
		Healthcheck: HealthcheckConfig{
			Cron: DefaultHealthcheckCron,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks that required fields are present before the server starts.
func (c Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}
