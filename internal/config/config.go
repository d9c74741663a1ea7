// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Live     LiveConfig     `yaml:"live"`
	Unread   UnreadConfig   `yaml:"unread"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects and addresses the SQL store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" (default) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WebhookConfig holds inbound webhook verification settings.
type WebhookConfig struct {
	AgentSecret         string `yaml:"agent_secret"`
	WhatsAppAppSecret   string `yaml:"whatsapp_app_secret"`
	WhatsAppVerifyToken string `yaml:"whatsapp_verify_token"`
	RequireSignature    bool   `yaml:"require_signature"`
}

// WhatsAppConfig addresses the outbound Cloud API used for manual sends.
type WhatsAppConfig struct {
	APIBaseURL    string        `yaml:"api_base_url"`
	PhoneNumberID string        `yaml:"phone_number_id"`
	AccessToken   string        `yaml:"access_token"`
	Timeout       time.Duration `yaml:"timeout"`
	// BusinessNumber is the From identity recorded on manual sends.
	BusinessNumber string `yaml:"business_number"`
}

// Enabled reports whether outbound sends are configured.
func (w WhatsAppConfig) Enabled() bool {
	return w.PhoneNumberID != "" && w.AccessToken != ""
}

// LiveConfig tunes the live delivery registry.
type LiveConfig struct {
	Heartbeat       time.Duration `yaml:"heartbeat"`
	PresenceTTL     time.Duration `yaml:"presence_ttl"`
	Buffer          int           `yaml:"buffer"`
	BacklogLimit    int           `yaml:"backlog_limit"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

// UnreadConfig tunes the unread-count aggregate cache.
type UnreadConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	Backend       string        `yaml:"backend"` // "memory" (default) or "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	ResetSchedule string        `yaml:"reset_schedule"`
}

// NotifyConfig configures offline alerts for messages nobody is watching.
type NotifyConfig struct {
	SlackBotToken    string        `yaml:"slack_bot_token"`
	SlackChannelID   string        `yaml:"slack_channel_id"`
	DiscordBotToken  string        `yaml:"discord_bot_token"`
	DiscordChannelID string        `yaml:"discord_channel_id"`
	Cooldown         time.Duration `yaml:"cooldown"`
	// Template overrides the alert text; see notify.Render for placeholders.
	Template string `yaml:"template"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" (default) or "console"
}

// envOverrides maps environment variables to the secrets they override.
var envOverrides = []struct {
	name string
	set  func(c *Config, v string)
}{
	{"SB_DB_PASSWORD", func(c *Config, v string) { c.Database.Password = v }},
	{"SB_AGENT_SECRET", func(c *Config, v string) { c.Webhook.AgentSecret = v }},
	{"SB_WHATSAPP_APP_SECRET", func(c *Config, v string) { c.Webhook.WhatsAppAppSecret = v }},
	{"SB_WHATSAPP_VERIFY_TOKEN", func(c *Config, v string) { c.Webhook.WhatsAppVerifyToken = v }},
	{"SB_WHATSAPP_ACCESS_TOKEN", func(c *Config, v string) { c.WhatsApp.AccessToken = v }},
	{"SB_SLACK_BOT_TOKEN", func(c *Config, v string) { c.Notify.SlackBotToken = v }},
	{"SB_DISCORD_BOT_TOKEN", func(c *Config, v string) { c.Notify.DiscordBotToken = v }},
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment secrets live outside the YAML file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			o.set(c, v)
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchboard"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.WhatsApp.APIBaseURL == "" {
		c.WhatsApp.APIBaseURL = "https://graph.facebook.com/v21.0"
	}
	if c.WhatsApp.Timeout == 0 {
		c.WhatsApp.Timeout = 10 * time.Second
	}
	if c.Live.Heartbeat == 0 {
		c.Live.Heartbeat = 15 * time.Second
	}
	if c.Live.PresenceTTL == 0 {
		c.Live.PresenceTTL = 2 * time.Minute
	}
	if c.Live.Buffer == 0 {
		c.Live.Buffer = 64
	}
	if c.Live.BacklogLimit == 0 {
		c.Live.BacklogLimit = 50
	}
	if c.Live.CleanupSchedule == "" {
		c.Live.CleanupSchedule = "@every 1m"
	}
	if c.Unread.CacheTTL == 0 {
		c.Unread.CacheTTL = 30 * time.Second
	}
	if c.Unread.Backend == "" {
		c.Unread.Backend = "memory"
	}
	if c.Notify.Cooldown == 0 {
		c.Notify.Cooldown = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Webhook.RequireSignature && c.Webhook.AgentSecret == "" {
		errs = append(errs, "webhook.agent_secret is required when require_signature is set")
	}
	if (c.WhatsApp.PhoneNumberID == "") != (c.WhatsApp.AccessToken == "") {
		errs = append(errs, "whatsapp.phone_number_id and whatsapp.access_token must be set together")
	}
	if c.Live.Buffer < 0 {
		errs = append(errs, "live.buffer must be positive")
	}
	switch c.Unread.Backend {
	case "memory":
	case "redis":
		if c.Unread.RedisAddr == "" {
			errs = append(errs, "unread.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unread.backend %q is not supported (memory, redis)", c.Unread.Backend))
	}
	if (c.Notify.SlackBotToken == "") != (c.Notify.SlackChannelID == "") {
		errs = append(errs, "notify.slack_bot_token and notify.slack_channel_id must be set together")
	}
	if (c.Notify.DiscordBotToken == "") != (c.Notify.DiscordChannelID == "") {
		errs = append(errs, "notify.discord_bot_token and notify.discord_channel_id must be set together")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
