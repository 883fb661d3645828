package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DENUNCIAS"
	defaultHTTPAddress         = "127.0.0.1:8787"
	defaultDatabasePath        = "denuncias-queue.db"
	defaultLogLevel            = "info"
	defaultRemoteTimeout       = 30
	defaultMaxRetries          = 3
	defaultPollInterval        = 5
	defaultProbeInterval       = 15
	defaultMaxAttachmentBytes  = 15 << 20
	defaultMaxItemBytes        = 60 << 20
	defaultMaxImageDimension   = 0
	defaultSessionIssuer       = "denuncias-auth"
	defaultSessionCookieName   = "app_session"
	defaultAllowedOrigin       = "*"
	maxConfiguredRetryAttempts = 20
)

// AppConfig captures runtime configuration for the submission agent.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	RemoteSubmitURL    string
	RemoteTimeout      time.Duration
	MaxRetries         int
	PollInterval       time.Duration
	ProbeURL           string
	ProbeInterval      time.Duration
	MaxAttachmentBytes int64
	MaxItemBytes       int64
	MaxImageDimension  int
	SessionSecret      string
	SessionIssuer      string
	SessionCookieName  string
	AllowedOrigins     []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("reporting.poll_interval_seconds", defaultPollInterval)
	configViper.SetDefault("network.probe_url", "")
	configViper.SetDefault("network.probe_interval_seconds", defaultProbeInterval)
	configViper.SetDefault("attachments.max_bytes", defaultMaxAttachmentBytes)
	configViper.SetDefault("attachments.max_item_bytes", defaultMaxItemBytes)
	configViper.SetDefault("attachments.max_image_dimension", defaultMaxImageDimension)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		RemoteSubmitURL:    strings.TrimSpace(configViper.GetString("remote.submit_url")),
		RemoteTimeout:      time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		MaxRetries:         configViper.GetInt("sync.max_retries"),
		PollInterval:       time.Duration(configViper.GetInt("reporting.poll_interval_seconds")) * time.Second,
		ProbeURL:           strings.TrimSpace(configViper.GetString("network.probe_url")),
		ProbeInterval:      time.Duration(configViper.GetInt("network.probe_interval_seconds")) * time.Second,
		MaxAttachmentBytes: configViper.GetInt64("attachments.max_bytes"),
		MaxItemBytes:       configViper.GetInt64("attachments.max_item_bytes"),
		MaxImageDimension:  configViper.GetInt("attachments.max_image_dimension"),
		SessionSecret:      configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the settings needed to open the local queue, for operator
// subcommands that never talk to the remote endpoint.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		MaxAttachmentBytes: configViper.GetInt64("attachments.max_bytes"),
		MaxItemBytes:       configViper.GetInt64("attachments.max_item_bytes"),
		MaxImageDimension:  configViper.GetInt("attachments.max_image_dimension"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteSubmitURL == "" {
		return fmt.Errorf("remote.submit_url is required")
	}
	parsed, err := url.Parse(c.RemoteSubmitURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("remote.submit_url must be an absolute http(s) url")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.MaxRetries <= 0 || c.MaxRetries > maxConfiguredRetryAttempts {
		return fmt.Errorf("sync.max_retries must be between 1 and %d", maxConfiguredRetryAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("reporting.poll_interval_seconds must be positive")
	}
	if c.ProbeURL != "" && c.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval_seconds must be positive when network.probe_url is set")
	}
	if c.MaxAttachmentBytes <= 0 || c.MaxItemBytes < c.MaxAttachmentBytes {
		return fmt.Errorf("attachments.max_item_bytes must be at least attachments.max_bytes")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}
