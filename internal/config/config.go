// Package config loads and validates the client configuration. JSON is the
// native format; files ending in .yaml/.yml are accepted too. String values
// support ${VAR} and ${VAR:-default} environment expansion, so tokens never
// need to live in the file itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatsync.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Identity IdentityConfig `json:"identity" yaml:"identity"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Timeline TimelineConfig `json:"timeline" yaml:"timeline"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Bridge   BridgeConfig   `json:"bridge,omitempty" yaml:"bridge,omitempty"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// IdentityConfig is who this client acts as.
type IdentityConfig struct {
	UserID      string `json:"userId" yaml:"userId"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Token       string `json:"token,omitempty" yaml:"token,omitempty"`
}

// ServerConfig points at the backend.
type ServerConfig struct {
	APIBase               string `json:"apiBase" yaml:"apiBase"`
	FeedURL               string `json:"feedUrl" yaml:"feedUrl"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
}

// SyncConfig tunes the synchronization core.
type SyncConfig struct {
	SendTimeoutSeconds int `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds"`
	PageSize           int `json:"pageSize" yaml:"pageSize"`
	WindowCap          int `json:"windowCap" yaml:"windowCap"`
	TypingTTLSeconds   int `json:"typingTtlSeconds" yaml:"typingTtlSeconds"`
}

// QueueConfig locates the offline outbox.
type QueueConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// TimelineConfig sizes the rendering window.
type TimelineConfig struct {
	ViewportHeight int `json:"viewportHeight" yaml:"viewportHeight"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// BridgeConfig configures the optional outbound mirrors.
type BridgeConfig struct {
	Telegram TelegramBridgeConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

// TelegramBridgeConfig mirrors incoming messages to a Telegram chat.
type TelegramBridgeConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID    int64  `json:"chatId,omitempty" yaml:"chatId,omitempty"`
	ParseMode string `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Queue.DBPath = ExpandPath(cfg.Queue.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Identity.UserID == "" {
		errs = append(errs, "identity.userId is required")
	}

	if cfg.Server.APIBase == "" {
		errs = append(errs, "server.apiBase is required")
	}
	if cfg.Server.FeedURL == "" {
		errs = append(errs, "server.feedUrl is required")
	}
	if cfg.Server.RequestTimeoutSeconds < 1 {
		errs = append(errs, "server.requestTimeoutSeconds must be >= 1")
	}

	if cfg.Sync.SendTimeoutSeconds < 1 {
		errs = append(errs, "sync.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 200 {
		errs = append(errs, "sync.pageSize must be between 1 and 200")
	}
	if cfg.Sync.WindowCap < cfg.Sync.PageSize {
		errs = append(errs, "sync.windowCap must be >= sync.pageSize")
	}
	if cfg.Sync.TypingTTLSeconds < 1 {
		errs = append(errs, "sync.typingTtlSeconds must be >= 1")
	}

	if cfg.Timeline.ViewportHeight < 100 {
		errs = append(errs, "timeline.viewportHeight must be >= 100")
	}

	if cfg.Bridge.Telegram.Enabled {
		if cfg.Bridge.Telegram.Token == "" {
			errs = append(errs, "bridge.telegram.token is required when the bridge is enabled")
		}
		if cfg.Bridge.Telegram.ChatID == 0 {
			errs = append(errs, "bridge.telegram.chatId is required when the bridge is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
