package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig represents process-wide configuration. It is immutable
// after startup; the rules file is loaded separately via LoadRules.
type AppConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	API     APIConfig     `yaml:"api"`
	Pool    PoolConfig    `yaml:"pool"`
	UDP     UDPConfig     `yaml:"udp"`
	Monitor MonitorConfig `yaml:"monitor"`
	Storage StorageConfig `yaml:"storage"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig represents the introspection HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// PoolConfig represents TCP connection pool tuning
type PoolConfig struct {
	MinPoolSize           int     `yaml:"min_pool_size"`
	MaxPoolSize           int     `yaml:"max_pool_size"`
	InitialPoolSize       int     `yaml:"initial_pool_size"`
	ScaleUpThreshold      float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold    float64 `yaml:"scale_down_threshold"`
	ScaleUpStep           int     `yaml:"scale_up_step"`
	ScaleDownStep         int     `yaml:"scale_down_step"`
	ConnectTimeoutSeconds int     `yaml:"connect_timeout_seconds"`
	KeepAliveSeconds      int     `yaml:"keep_alive_seconds"`
	IdleTimeoutSeconds    int     `yaml:"idle_timeout_seconds"`
	ScaleIntervalSeconds  int     `yaml:"scale_interval_seconds"`
	SocketBufferBytes     int     `yaml:"socket_buffer_bytes"`
}

// UDPConfig represents UDP session table tuning
type UDPConfig struct {
	ClientTimeoutSeconds   int `yaml:"client_timeout_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	SocketBufferBytes      int `yaml:"socket_buffer_bytes"`
}

// MonitorConfig represents the performance aggregator settings
type MonitorConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// StorageConfig represents the stats-history store settings
type StorageConfig struct {
	Type string `yaml:"type"` // none | sqlite | mysql
	Path string `yaml:"path"` // sqlite file path or mysql DSN
}

// DefaultConfig returns default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Enabled: false,
			Address: "127.0.0.1:7990",
		},
		Pool: PoolConfig{
			MinPoolSize:           5,
			MaxPoolSize:           50,
			InitialPoolSize:       10,
			ScaleUpThreshold:      0.80,
			ScaleDownThreshold:    0.30,
			ScaleUpStep:           3,
			ScaleDownStep:         1,
			ConnectTimeoutSeconds: 3,
			KeepAliveSeconds:      15,
			IdleTimeoutSeconds:    180,
			ScaleIntervalSeconds:  5,
			SocketBufferBytes:     128 * 1024,
		},
		UDP: UDPConfig{
			ClientTimeoutSeconds:   300,
			CleanupIntervalSeconds: 60,
			SocketBufferBytes:      64 * 1024,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
		Storage: StorageConfig{
			Type: "none",
			Path: "./fireproxy-stats.db",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadFromFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, config *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return err
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *AppConfig) {
	if logLevel := os.Getenv("FIREPROXY_LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}

	if logFormat := os.Getenv("FIREPROXY_LOG_FORMAT"); logFormat != "" {
		config.Logging.Format = logFormat
	}

	if apiAddr := os.Getenv("FIREPROXY_API_ADDR"); apiAddr != "" {
		config.API.Enabled = true
		config.API.Address = apiAddr
	}

	if storageType := os.Getenv("FIREPROXY_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}

	if storagePath := os.Getenv("FIREPROXY_STORAGE_PATH"); storagePath != "" {
		config.Storage.Path = storagePath
	}

	if maxPool := os.Getenv("FIREPROXY_MAX_POOL_SIZE"); maxPool != "" {
		if val, err := strconv.Atoi(maxPool); err == nil {
			config.Pool.MaxPoolSize = val
		}
	}
}

// Validate validates the configuration
func (c *AppConfig) Validate() error {
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api enabled but no listen address configured")
	}

	if c.Pool.MinPoolSize < 0 || c.Pool.MaxPoolSize < 1 {
		return fmt.Errorf("pool sizes must be positive")
	}

	if c.Pool.MinPoolSize > c.Pool.MaxPoolSize {
		return fmt.Errorf("min pool size %d exceeds max pool size %d", c.Pool.MinPoolSize, c.Pool.MaxPoolSize)
	}

	if c.Pool.ScaleUpThreshold <= c.Pool.ScaleDownThreshold {
		return fmt.Errorf("scale up threshold must exceed scale down threshold")
	}

	if c.UDP.ClientTimeoutSeconds < 1 {
		return fmt.Errorf("udp client timeout must be at least 1 second")
	}

	switch c.Storage.Type {
	case "none", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	valid := []string{"trace", "debug", "info", "warn", "error"}
	level = strings.ToLower(level)
	for _, v := range valid {
		if level == v {
			return true
		}
	}
	return false
}

// String returns a string representation of the configuration (for logging)
func (c *AppConfig) String() string {
	return fmt.Sprintf("Config{API: %s enabled=%v, Pool: %d..%d, Storage: %s, LogLevel: %s}",
		c.API.Address, c.API.Enabled, c.Pool.MinPoolSize, c.Pool.MaxPoolSize, c.Storage.Type, c.Logging.Level)
}
