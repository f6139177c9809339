// Package config loads chatrelay configuration from a TOML file, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/auth"
)

// Config is the full chatrelay configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" toml:"upstream"`
	Storage   StorageConfig   `mapstructure:"storage" toml:"storage"`
	Auth      AuthConfig      `mapstructure:"auth" toml:"auth"`
	Client    ClientConfig    `mapstructure:"client" toml:"client"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry"`
}

type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Listen string `mapstructure:"listen" toml:"listen"`

	// RequestsPerMinute caps relay calls per user; 0 disables the limit
	RequestsPerMinute int `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
}

type UpstreamConfig struct {
	// Provider is "openai", "ollama" or "text"
	Provider string `mapstructure:"provider" toml:"provider"`
	URL      string `mapstructure:"url" toml:"url"`
	APIKey   string `mapstructure:"api_key" toml:"api_key"`

	// Model is the fixed model identifier sent with every completion
	Model string `mapstructure:"model" toml:"model"`

	// Timeout bounds a whole upstream exchange, first byte to last
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout"`

	// Temperature is omitted from upstream requests when 0
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`

	// MaxTokens caps the reply length; omitted from upstream requests when 0
	MaxTokens int `mapstructure:"max_tokens" toml:"max_tokens"`
}

type StorageConfig struct {
	// SQLitePath is the database file; empty keeps conversations in memory
	SQLitePath string `mapstructure:"sqlite_path" toml:"sqlite_path"`
}

type AuthConfig struct {
	Sessions []auth.Session `mapstructure:"sessions" toml:"sessions,omitempty"`
}

type ClientConfig struct {
	ServerURL      string `mapstructure:"server_url" toml:"server_url"`
	Token          string `mapstructure:"token" toml:"token"`
	ConversationID string `mapstructure:"conversation_id" toml:"conversation_id"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP/HTTP collector host:port; empty disables tracing
	OTLPEndpoint string `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`

	// Insecure sends spans over plain HTTP
	Insecure bool `mapstructure:"insecure" toml:"insecure"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8080",
		},
		Upstream: UpstreamConfig{
			Provider: "openai",
			URL:      "https://api.openai.com/v1",
			Model:    "gpt-3.5-turbo",
			// LLM requests can be slow
			Timeout: 5 * time.Minute,
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.requests_per_minute", d.Server.RequestsPerMinute)
	v.SetDefault("upstream.provider", d.Upstream.Provider)
	v.SetDefault("upstream.url", d.Upstream.URL)
	v.SetDefault("upstream.api_key", d.Upstream.APIKey)
	v.SetDefault("upstream.model", d.Upstream.Model)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.temperature", d.Upstream.Temperature)
	v.SetDefault("upstream.max_tokens", d.Upstream.MaxTokens)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("client.server_url", d.Client.ServerURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.conversation_id", d.Client.ConversationID)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}

// Loader reads the configuration and can watch its file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader for the file at path. An empty path searches
// for chatrelay.toml in the working directory and in $HOME/.chatrelay, and
// tolerates finding none.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatrelay")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chatrelay")
	}

	// allow environment variables like CHATRELAY_SERVER_LISTEN
	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("upstream.api_key", "CHATRELAY_UPSTREAM_API_KEY", "OPENAI_API_KEY")

	return &Loader{v: v}
}

// Load reads the config file (if any) and returns the merged configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		// don't fail if config file is missing, allow env-only config
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &c, nil
}

// File returns the config file in use, or "" when running on defaults and
// environment only.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration every time the config
// file changes. It does nothing when no file was loaded.
func (l *Loader) Watch(logger *zap.Logger, onChange func(*Config)) {
	if l.File() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()),
		)

		c, err := l.decode()
		if err != nil {
			logger.Error("failed to reload config", zap.Error(err))
			return
		}
		onChange(c)
	})
	l.v.WatchConfig()
}

// WriteDefault writes the default configuration as TOML.
func WriteDefault(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(Default()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
