package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	crabstackDirName        = ".crabstack"
	defaultConfigFileName   = "handoff.yaml"
	alternateConfigFileName = "handoff.yml"
)

type fileConfig struct {
	Version          int                            `yaml:"version"`
	HTTPAddr         string                         `yaml:"http_addr"`
	DBDriver         string                         `yaml:"db_driver"`
	DBDSN            string                         `yaml:"db_dsn"`
	DBMaxOpenConns   int                            `yaml:"db_max_open_conns"`
	LogLevel         string                         `yaml:"log_level"`
	LogFormat        string                         `yaml:"log_format"`
	EvictionDelay    string                         `yaml:"eviction_delay"`
	SessionQueueSize int                            `yaml:"session_queue_size"`
	ConnectionBuffer int                            `yaml:"connection_buffer"`
	PersistRetries   int                            `yaml:"persist_retries"`
	PersistBackoff   string                         `yaml:"persist_backoff"`
	IdleTimeout      string                         `yaml:"idle_timeout"`
	SweepInterval    string                         `yaml:"sweep_interval"`
	DefaultLanguage  string                         `yaml:"default_language"`
	Responder        fileResponderConfig            `yaml:"responder"`
	Sender           fileSenderConfig               `yaml:"sender"`
	Notifications    fileNotificationConfig         `yaml:"notifications"`
	Intake           fileIntakeConfig               `yaml:"intake"`
	Workspaces       map[string]fileWorkspaceConfig `yaml:"workspaces"`
}

type fileResponderConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	Timeout  string   `yaml:"timeout"`
	Keywords []string `yaml:"keywords"`
	Fallback string   `yaml:"fallback"`
}

type fileSenderConfig struct {
	URL   string  `yaml:"url"`
	Token string  `yaml:"token"`
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type fileNotificationConfig struct {
	WebhookURLs  []string `yaml:"webhook_urls"`
	WebhookToken string   `yaml:"webhook_token"`
	RetryCount   int      `yaml:"retry_count"`
	RetryBackoff string   `yaml:"retry_backoff"`
}

type fileIntakeConfig struct {
	AskName  string `yaml:"ask_name"`
	AskEmail string `yaml:"ask_email"`
	Ready    string `yaml:"ready"`
}

type fileWorkspaceConfig struct {
	Bot      fileBotConfig                 `yaml:"bot"`
	Channels map[string]fileChannelAccount `yaml:"channels"`
}

type fileBotConfig struct {
	Name           string `yaml:"name"`
	AvatarURL      string `yaml:"avatar_url"`
	PrimaryColor   string `yaml:"primary_color"`
	WelcomeMessage string `yaml:"welcome_message"`
}

type fileChannelAccount struct {
	AccountID string `yaml:"account_id"`
	Token     string `yaml:"token"`
}

func applyYAML(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(source.LogLevel); value != "" {
		cfg.LogLevel = value
	}
	if value := strings.TrimSpace(source.LogFormat); value != "" {
		cfg.LogFormat = value
	}
	if value := strings.TrimSpace(source.DefaultLanguage); value != "" {
		cfg.DefaultLanguage = value
	}
	if source.DBMaxOpenConns > 0 {
		cfg.DBMaxOpenConns = source.DBMaxOpenConns
	}
	if source.SessionQueueSize > 0 {
		cfg.SessionQueueSize = source.SessionQueueSize
	}
	if source.ConnectionBuffer > 0 {
		cfg.ConnectionBuffer = source.ConnectionBuffer
	}
	if source.PersistRetries > 0 {
		cfg.PersistRetries = source.PersistRetries
	}

	durations := []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{source.EvictionDelay, "eviction_delay", &cfg.EvictionDelay},
		{source.PersistBackoff, "persist_backoff", &cfg.PersistBackoff},
		{source.SweepInterval, "sweep_interval", &cfg.SweepInterval},
		{source.Responder.Timeout, "responder.timeout", &cfg.Responder.Timeout},
		{source.Notifications.RetryBackoff, "notifications.retry_backoff", &cfg.Notifications.RetryBackoff},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.raw, *d.dst, d.field)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	// "0" turns the sweeper off, so it skips the > 0 check above
	if value := strings.TrimSpace(source.IdleTimeout); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout duration %q: %w", value, err)
		}
		cfg.IdleTimeout = parsed
	}

	if value := strings.TrimSpace(source.Responder.URL); value != "" {
		cfg.Responder.URL = value
	}
	if value := strings.TrimSpace(source.Responder.Token); value != "" {
		cfg.Responder.Token = value
	}
	if len(source.Responder.Keywords) > 0 {
		cfg.Responder.Keywords = append([]string(nil), source.Responder.Keywords...)
	}
	if value := strings.TrimSpace(source.Responder.Fallback); value != "" {
		cfg.Responder.Fallback = value
	}

	if value := strings.TrimSpace(source.Sender.URL); value != "" {
		cfg.Sender.URL = value
	}
	if value := strings.TrimSpace(source.Sender.Token); value != "" {
		cfg.Sender.Token = value
	}
	if source.Sender.Rate > 0 {
		cfg.Sender.Rate = source.Sender.Rate
	}
	if source.Sender.Burst > 0 {
		cfg.Sender.Burst = source.Sender.Burst
	}

	if len(source.Notifications.WebhookURLs) > 0 {
		cfg.Notifications.WebhookURLs = append([]string(nil), source.Notifications.WebhookURLs...)
	}
	if value := strings.TrimSpace(source.Notifications.WebhookToken); value != "" {
		cfg.Notifications.WebhookToken = value
	}
	if source.Notifications.RetryCount > 0 {
		cfg.Notifications.RetryCount = source.Notifications.RetryCount
	}

	cfg.Intake = IntakeConfig{
		AskName:  strings.TrimSpace(source.Intake.AskName),
		AskEmail: strings.TrimSpace(source.Intake.AskEmail),
		Ready:    strings.TrimSpace(source.Intake.Ready),
	}

	for id, ws := range source.Workspaces {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("workspaces: empty workspace id")
		}
		out := WorkspaceConfig{
			Bot: BotConfig{
				Name:           ws.Bot.Name,
				AvatarURL:      ws.Bot.AvatarURL,
				PrimaryColor:   ws.Bot.PrimaryColor,
				WelcomeMessage: ws.Bot.WelcomeMessage,
			},
			Channels: make(map[string]ChannelAccount, len(ws.Channels)),
		}
		for channel, account := range ws.Channels {
			out.Channels[strings.ToLower(strings.TrimSpace(channel))] = ChannelAccount{
				AccountID: strings.TrimSpace(account.AccountID),
				Token:     strings.TrimSpace(account.Token),
			}
		}
		cfg.Workspaces[id] = out
	}
	return nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(homeDir, crabstackDirName, defaultConfigFileName),
			filepath.Join(homeDir, crabstackDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
	}
	return trimmed, nil
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}
