package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Pinger   PingerConfig   `mapstructure:"pinger"`
	Database DatabaseConfig `mapstructure:"database"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type BrowserConfig struct {
	CDPHost      string `mapstructure:"cdp_host"`
	CDPPort      int    `mapstructure:"cdp_port"`
	TabURLFilter string `mapstructure:"tab_url_filter"`
}

type CaptureConfig struct {
	MaxRequests          int `mapstructure:"max_requests"`
	PendingTTLSeconds    int `mapstructure:"pending_ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

type ReplayConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type PingerConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ExportConfig struct {
	Format      string `mapstructure:"format"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
	Compress    bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func LoadConfig(configPath string) (*Config, error) {
	// Ensure ~/.devmate directory exists
	if err := ensureDevmateDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create devmate directory: %w", err)
	}

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.devmate")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return getDefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func ensureDevmateDirectory() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	devmateDir := filepath.Join(homeDir, ".devmate")
	if err := os.MkdirAll(devmateDir, 0755); err != nil {
		return fmt.Errorf("failed to create devmate directory: %w", err)
	}

	return nil
}

func setDefaults() {
	homeDir, _ := os.UserHomeDir()
	defaultDBPath := filepath.Join(homeDir, ".devmate", "captures.db")
	defaultLogPath := filepath.Join(homeDir, ".devmate", "devmate.log")

	viper.SetDefault("server.listen_host", "127.0.0.1")
	viper.SetDefault("server.listen_port", 8089)

	viper.SetDefault("browser.cdp_host", "127.0.0.1")
	viper.SetDefault("browser.cdp_port", 9222)
	viper.SetDefault("browser.tab_url_filter", "")

	viper.SetDefault("capture.max_requests", 200)
	viper.SetDefault("capture.pending_ttl_seconds", 300)
	viper.SetDefault("capture.sweep_interval_seconds", 60)

	viper.SetDefault("replay.timeout_seconds", 30)

	viper.SetDefault("pinger.enabled", true)
	viper.SetDefault("pinger.timeout_seconds", 15)

	viper.SetDefault("database.path", defaultDBPath)

	viper.SetDefault("export.format", "json")
	viper.SetDefault("export.pretty_print", true)
	viper.SetDefault("export.compress", false)

	viper.SetDefault("logging.file", defaultLogPath)
	viper.SetDefault("logging.max_size_mb", 10)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age_days", 14)
}

func getDefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultDBPath := filepath.Join(homeDir, ".devmate", "captures.db")
	defaultLogPath := filepath.Join(homeDir, ".devmate", "devmate.log")

	return &Config{
		Server: ServerConfig{
			ListenHost: "127.0.0.1",
			ListenPort: 8089,
		},
		Browser: BrowserConfig{
			CDPHost: "127.0.0.1",
			CDPPort: 9222,
		},
		Capture: CaptureConfig{
			MaxRequests:          200,
			PendingTTLSeconds:    300,
			SweepIntervalSeconds: 60,
		},
		Replay: ReplayConfig{
			TimeoutSeconds: 30,
		},
		Pinger: PingerConfig{
			Enabled:        true,
			TimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			Path: defaultDBPath,
		},
		Export: ExportConfig{
			Format:      "json",
			PrettyPrint: true,
			Compress:    false,
		},
		Logging: LoggingConfig{
			File:       defaultLogPath,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid server listen_port: %d", c.Server.ListenPort)
	}

	if c.Browser.CDPPort <= 0 || c.Browser.CDPPort > 65535 {
		return fmt.Errorf("invalid browser cdp_port: %d", c.Browser.CDPPort)
	}

	if c.Capture.MaxRequests <= 0 {
		return fmt.Errorf("capture max_requests must be positive: %d", c.Capture.MaxRequests)
	}

	if c.Capture.PendingTTLSeconds <= 0 {
		return fmt.Errorf("capture pending_ttl_seconds must be positive: %d", c.Capture.PendingTTLSeconds)
	}

	if c.Replay.TimeoutSeconds <= 0 {
		return fmt.Errorf("replay timeout_seconds must be positive: %d", c.Replay.TimeoutSeconds)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	return nil
}

// CDPURL is the DevTools endpoint the capture adapter attaches to.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.Browser.CDPHost, c.Browser.CDPPort)
}

func SaveConfig(config *Config, path string) error {
	viper.Set("server", config.Server)
	viper.Set("browser", config.Browser)
	viper.Set("capture", config.Capture)
	viper.Set("replay", config.Replay)
	viper.Set("pinger", config.Pinger)
	viper.Set("database", config.Database)
	viper.Set("export", config.Export)
	viper.Set("logging", config.Logging)

	if path == "" {
		path = "config.yaml"
	}

	return viper.WriteConfigAs(path)
}
