package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("TOOLPROXY")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK, we'll use defaults + env vars.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		} else if os.IsNotExist(err) {
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	m.viper.SetDefault("journal.sqlite_path", defaults.Journal.SQLitePath)

	m.viper.SetDefault("chaos.default_config_path", defaults.Chaos.DefaultConfigPath)

	m.viper.SetDefault("stress.probe_timeout_ms", defaults.Stress.ProbeTimeoutMs)
	m.viper.SetDefault("stress.initialized_wait_ms", defaults.Stress.InitializedWaitMs)

	m.viper.SetDefault("fanout.subscriber_queue_size", defaults.Fanout.SubscriberQueueSize)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Server.ListenAddr = m.viper.GetString("server.listen_addr")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	cfg.Journal.SQLitePath = m.viper.GetString("journal.sqlite_path")

	cfg.Chaos.DefaultConfigPath = m.viper.GetString("chaos.default_config_path")

	cfg.Stress.ProbeTimeoutMs = m.viper.GetInt("stress.probe_timeout_ms")
	cfg.Stress.InitializedWaitMs = m.viper.GetInt("stress.initialized_wait_ms")

	cfg.Fanout.SubscriberQueueSize = m.viper.GetInt("fanout.subscriber_queue_size")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies a small set of explicit environment variable
// overrides on top of viper's own TOOLPROXY_* automatic-env binding, for the
// fields most commonly overridden at deploy time.
func (m *viperManager) applyEnvOverrides() {
	if addr := os.Getenv("TOOLPROXY_LISTEN_ADDR"); addr != "" {
		m.config.Server.ListenAddr = addr
	}

	if path := os.Getenv("TOOLPROXY_JOURNAL_PATH"); path != "" {
		m.config.Journal.SQLitePath = path
	}

	if path := os.Getenv("TOOLPROXY_CHAOS_CONFIG"); path != "" {
		m.config.Chaos.DefaultConfigPath = path
	}

	if level := os.Getenv("TOOLPROXY_LOG_LEVEL"); level != "" {
		m.config.Logging.Level = level
	}
}
