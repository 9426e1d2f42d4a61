package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	EnvConfigFile       = "CRAB_HANDOFF_CONFIG_FILE"
	EnvHTTPAddr         = "CRAB_HANDOFF_HTTP_ADDR"
	EnvDBDriver         = "CRAB_HANDOFF_DB_DRIVER"
	EnvDBDSN            = "CRAB_HANDOFF_DB_DSN"
	EnvDBMaxOpenConns   = "CRAB_HANDOFF_DB_MAX_OPEN_CONNS"
	EnvLogLevel         = "CRAB_HANDOFF_LOG_LEVEL"
	EnvLogFormat        = "CRAB_HANDOFF_LOG_FORMAT"
	EnvEvictionDelay    = "CRAB_HANDOFF_EVICTION_DELAY"
	EnvSessionQueueSize = "CRAB_HANDOFF_SESSION_QUEUE_SIZE"
	EnvConnectionBuffer = "CRAB_HANDOFF_CONNECTION_BUFFER"
	EnvPersistRetries   = "CRAB_HANDOFF_PERSIST_RETRIES"
	EnvPersistBackoff   = "CRAB_HANDOFF_PERSIST_BACKOFF"
	EnvIdleTimeout      = "CRAB_HANDOFF_IDLE_TIMEOUT"
	EnvSweepInterval    = "CRAB_HANDOFF_SWEEP_INTERVAL"
	EnvDefaultLanguage  = "CRAB_HANDOFF_DEFAULT_LANGUAGE"
	EnvResponderURL     = "CRAB_HANDOFF_RESPONDER_URL"
	EnvResponderToken   = "CRAB_HANDOFF_RESPONDER_TOKEN"
	EnvResponderTimeout = "CRAB_HANDOFF_RESPONDER_TIMEOUT"
	EnvHandoffKeywords  = "CRAB_HANDOFF_KEYWORDS"
	EnvFallbackReply    = "CRAB_HANDOFF_FALLBACK_REPLY"
	EnvSenderURL        = "CRAB_HANDOFF_SENDER_URL"
	EnvSenderToken      = "CRAB_HANDOFF_SENDER_TOKEN"
	EnvSenderRate       = "CRAB_HANDOFF_SENDER_RATE"
	EnvSenderBurst      = "CRAB_HANDOFF_SENDER_BURST"
	EnvWebhookURLs      = "CRAB_HANDOFF_WEBHOOK_URLS"
	EnvWebhookToken     = "CRAB_HANDOFF_WEBHOOK_TOKEN"
	EnvNotifyRetries    = "CRAB_HANDOFF_NOTIFY_RETRIES"
	EnvNotifyBackoff    = "CRAB_HANDOFF_NOTIFY_BACKOFF"
)

const (
	DefaultHTTPAddr         = ":8090"
	DefaultDBDriver         = "sqlite"
	DefaultDBDSN            = "handoff.db"
	DefaultDBMaxOpenConns   = 10
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultEvictionDelay    = 60 * time.Second
	DefaultSessionQueueSize = 256
	DefaultConnectionBuffer = 64
	DefaultPersistRetries   = 3
	DefaultPersistBackoff   = 100 * time.Millisecond
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultLanguage         = "es"
	DefaultResponderTimeout = 15 * time.Second
	DefaultSenderRate       = 20.0
	DefaultSenderBurst      = 20
	DefaultNotifyRetries    = 3
	DefaultNotifyBackoff    = 150 * time.Millisecond

	// DefaultWorkspace holds settings for workspaces without their own entry.
	DefaultWorkspace = "*"
)

type Config struct {
	HTTPAddr  string `env:"CRAB_HANDOFF_HTTP_ADDR"`
	DBDriver  string `env:"CRAB_HANDOFF_DB_DRIVER"`
	DBDSN     string `env:"CRAB_HANDOFF_DB_DSN"`
	LogLevel  string `env:"CRAB_HANDOFF_LOG_LEVEL"`
	LogFormat string `env:"CRAB_HANDOFF_LOG_FORMAT"`

	// DBMaxOpenConns only applies to postgres.
	DBMaxOpenConns int `env:"CRAB_HANDOFF_DB_MAX_OPEN_CONNS"`

	EvictionDelay    time.Duration `env:"CRAB_HANDOFF_EVICTION_DELAY"`
	SessionQueueSize int           `env:"CRAB_HANDOFF_SESSION_QUEUE_SIZE"`
	ConnectionBuffer int           `env:"CRAB_HANDOFF_CONNECTION_BUFFER"`
	PersistRetries   int           `env:"CRAB_HANDOFF_PERSIST_RETRIES"`
	PersistBackoff   time.Duration `env:"CRAB_HANDOFF_PERSIST_BACKOFF"`
	// IdleTimeout of zero disables the idle sweeper.
	IdleTimeout     time.Duration `env:"CRAB_HANDOFF_IDLE_TIMEOUT"`
	SweepInterval   time.Duration `env:"CRAB_HANDOFF_SWEEP_INTERVAL"`
	DefaultLanguage string        `env:"CRAB_HANDOFF_DEFAULT_LANGUAGE"`

	Responder     ResponderConfig
	Sender        SenderConfig
	Notifications NotificationConfig
	Intake        IntakeConfig

	Workspaces map[string]WorkspaceConfig
}

type ResponderConfig struct {
	URL      string        `env:"CRAB_HANDOFF_RESPONDER_URL"`
	Token    string        `env:"CRAB_HANDOFF_RESPONDER_TOKEN"`
	Timeout  time.Duration `env:"CRAB_HANDOFF_RESPONDER_TIMEOUT"`
	Keywords []string      `env:"CRAB_HANDOFF_KEYWORDS" envSeparator:","`
	Fallback string        `env:"CRAB_HANDOFF_FALLBACK_REPLY"`
}

type SenderConfig struct {
	URL   string  `env:"CRAB_HANDOFF_SENDER_URL"`
	Token string  `env:"CRAB_HANDOFF_SENDER_TOKEN"`
	Rate  float64 `env:"CRAB_HANDOFF_SENDER_RATE"`
	Burst int     `env:"CRAB_HANDOFF_SENDER_BURST"`
}

type NotificationConfig struct {
	WebhookURLs  []string      `env:"CRAB_HANDOFF_WEBHOOK_URLS" envSeparator:","`
	WebhookToken string        `env:"CRAB_HANDOFF_WEBHOOK_TOKEN"`
	RetryCount   int           `env:"CRAB_HANDOFF_NOTIFY_RETRIES"`
	RetryBackoff time.Duration `env:"CRAB_HANDOFF_NOTIFY_BACKOFF"`
}

type IntakeConfig struct {
	AskName  string
	AskEmail string
	Ready    string
}

type WorkspaceConfig struct {
	Bot      BotConfig
	Channels map[string]ChannelAccount
}

type BotConfig struct {
	Name           string
	AvatarURL      string
	PrimaryColor   string
	WelcomeMessage string
}

type ChannelAccount struct {
	AccountID string
	Token     string
}

// Load builds the configuration from defaults, then the YAML file, then the
// environment. It does not validate.
func Load() (Config, error) {
	cfg := defaultConfig()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:         DefaultHTTPAddr,
		DBDriver:         DefaultDBDriver,
		DBDSN:            DefaultDBDSN,
		DBMaxOpenConns:   DefaultDBMaxOpenConns,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		EvictionDelay:    DefaultEvictionDelay,
		SessionQueueSize: DefaultSessionQueueSize,
		ConnectionBuffer: DefaultConnectionBuffer,
		PersistRetries:   DefaultPersistRetries,
		PersistBackoff:   DefaultPersistBackoff,
		IdleTimeout:      DefaultIdleTimeout,
		SweepInterval:    DefaultSweepInterval,
		DefaultLanguage:  DefaultLanguage,
		Responder: ResponderConfig{
			Timeout: DefaultResponderTimeout,
		},
		Sender: SenderConfig{
			Rate:  DefaultSenderRate,
			Burst: DefaultSenderBurst,
		},
		Notifications: NotificationConfig{
			RetryCount:   DefaultNotifyRetries,
			RetryBackoff: DefaultNotifyBackoff,
		},
		Workspaces: map[string]WorkspaceConfig{},
	}
}

// Workspace returns the settings for a workspace, falling back to the "*"
// entry.
func (c Config) Workspace(workspaceID string) WorkspaceConfig {
	if ws, ok := c.Workspaces[workspaceID]; ok {
		return ws
	}
	return c.Workspaces[DefaultWorkspace]
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch c.DBDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("%s must be sqlite, postgres or memory", EnvDBDriver)
	}
	if c.DBDriver != "memory" && strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("%s must be > 0", EnvDBMaxOpenConns)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%s must be text or json", EnvLogFormat)
	}
	if c.EvictionDelay <= 0 {
		return fmt.Errorf("%s must be > 0", EnvEvictionDelay)
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSessionQueueSize)
	}
	if c.ConnectionBuffer <= 0 {
		return fmt.Errorf("%s must be > 0", EnvConnectionBuffer)
	}
	if c.PersistRetries <= 0 {
		return fmt.Errorf("%s must be > 0", EnvPersistRetries)
	}
	if c.PersistBackoff < 0 {
		return fmt.Errorf("%s must be >= 0", EnvPersistBackoff)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%s must be >= 0", EnvIdleTimeout)
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSweepInterval)
	}
	if err := validateURL(EnvResponderURL, c.Responder.URL); err != nil {
		return err
	}
	if c.Responder.Timeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvResponderTimeout)
	}
	if err := validateURL(EnvSenderURL, c.Sender.URL); err != nil {
		return err
	}
	if c.Sender.Rate <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSenderRate)
	}
	if c.Sender.Burst <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSenderBurst)
	}
	for _, raw := range c.Notifications.WebhookURLs {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%s must not contain empty entries", EnvWebhookURLs)
		}
		if err := validateURL(EnvWebhookURLs, raw); err != nil {
			return err
		}
	}
	if c.Notifications.RetryCount <= 0 {
		return fmt.Errorf("%s must be > 0", EnvNotifyRetries)
	}
	return nil
}

func validateURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) url", field)
	}
	return nil
}
