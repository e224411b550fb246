package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SUBSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDataDir         = "data"
	defaultLogLevel        = "info"
	defaultRemoteBaseURL   = "https://kenkoooo.com/atcoder/atcoder-api/v3/user/submissions"
	defaultRemoteUserAgent = "subsync/1.0"
	defaultRemoteTimeout   = 30 * time.Second
	defaultPageDelay       = time.Second
	defaultSafetyWindow    = 48 * time.Hour
	defaultMaxPages        = 1000
	defaultSaveConcurrency = 4
)

// AppConfig captures runtime configuration for the sync service and CLI.
type AppConfig struct {
	HTTPAddress     string
	DataDir         string
	LogLevel        string
	RemoteBaseURL   string
	RemoteUserAgent string
	RemoteTimeout   time.Duration
	PageDelay       time.Duration
	SafetyWindow    time.Duration
	MaxPages        int
	SaveConcurrency int
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
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.user_agent", defaultRemoteUserAgent)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.page_delay", defaultPageDelay)
	configViper.SetDefault("sync.safety_window", defaultSafetyWindow)
	configViper.SetDefault("sync.max_pages", defaultMaxPages)
	configViper.SetDefault("sync.save_concurrency", defaultSaveConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DataDir:         configViper.GetString("data.dir"),
		LogLevel:        configViper.GetString("log.level"),
		RemoteBaseURL:   configViper.GetString("remote.base_url"),
		RemoteUserAgent: configViper.GetString("remote.user_agent"),
		RemoteTimeout:   configViper.GetDuration("remote.timeout"),
		PageDelay:       configViper.GetDuration("remote.page_delay"),
		SafetyWindow:    configViper.GetDuration("sync.safety_window"),
		MaxPages:        configViper.GetInt("sync.max_pages"),
		SaveConcurrency: configViper.GetInt("sync.save_concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if parsed, err := url.Parse(c.RemoteBaseURL); err != nil || parsed.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute url")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.PageDelay < 0 {
		return fmt.Errorf("remote.page_delay must not be negative")
	}
	if c.SafetyWindow <= 0 {
		return fmt.Errorf("sync.safety_window must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("sync.max_pages must be positive")
	}
	if c.SaveConcurrency <= 0 {
		return fmt.Errorf("sync.save_concurrency must be positive")
	}
	return nil
}
