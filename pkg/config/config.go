// Package config provides configuration handling for the transport stack.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chobot2014/JSOS-sub007/pkg/logging"
)

// Config represents the complete stack configuration.
type Config struct {
	// Stack contains the TCP stack tuning parameters.
	Stack StackConfig `json:"stack" yaml:"stack"`

	// TLS contains the TLS layer configuration.
	TLS TLSConfig `json:"tls" yaml:"tls"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StackConfig contains TCP stack tuning parameters.
type StackConfig struct {
	// MSS is the maximum segment payload in bytes.
	MSS int `json:"mss" yaml:"mss"`

	// WindowSize is the receive window advertised to peers, in bytes.
	WindowSize int `json:"windowSize" yaml:"windowSize"`

	// RingCapacity is the per-connection send/receive buffer capacity.
	RingCapacity int `json:"ringCapacity" yaml:"ringCapacity"`

	// MaxConnections caps the connection table. Zero means the default.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`

	// RTOMin and RTOMax bound the retransmission timeout.
	RTOMin time.Duration `json:"rtoMin" yaml:"rtoMin"`
	RTOMax time.Duration `json:"rtoMax" yaml:"rtoMax"`

	// MaxRetries is the retransmit count after which a connection aborts.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// TimeWaitDuration is how long a closed connection lingers in TIME_WAIT.
	TimeWaitDuration time.Duration `json:"timeWait" yaml:"timeWait"`

	// Debug enables verbose segment tracing.
	Debug bool `json:"debug" yaml:"debug"`
}

// TLSConfig contains configuration for the TLS layer.
type TLSConfig struct {
	// TrustStore is the path to a PEM bundle of trusted roots.
	TrustStore string `json:"trustStore" yaml:"trustStore"`

	// Certificate and Key are paths to the server credential PEMs.
	Certificate string `json:"certificate" yaml:"certificate"`
	Key         string `json:"key" yaml:"key"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path. Empty logs to stdout only.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Stack: StackConfig{
			MSS:              1460,
			WindowSize:       65535,
			RingCapacity:     64 * 1024,
			MaxConnections:   1024,
			RTOMin:           200 * time.Millisecond,
			RTOMax:           60 * time.Second,
			MaxRetries:       8,
			TimeWaitDuration: 30 * time.Second,
			Debug:            false,
		},
		TLS: TLSConfig{},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("STACK_MSS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MSS = n
		}
	}
	if val := os.Getenv("STACK_WINDOW_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.WindowSize = n
		}
	}
	if val := os.Getenv("STACK_RING_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.RingCapacity = n
		}
	}
	if val := os.Getenv("STACK_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MaxConnections = n
		}
	}
	if val := os.Getenv("STACK_RTO_MIN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Stack.RTOMin = d
		}
	}
	if val := os.Getenv("STACK_RTO_MAX"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Stack.RTOMax = d
		}
	}
	if val := os.Getenv("STACK_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MaxRetries = n
		}
	}
	if val := os.Getenv("STACK_DEBUG"); val != "" {
		config.Stack.Debug = val == "true" || val == "1"
	}

	if val := os.Getenv("TLS_TRUST_STORE"); val != "" {
		config.TLS.TrustStore = val
	}
	if val := os.Getenv("TLS_CERTIFICATE"); val != "" {
		config.TLS.Certificate = val
	}
	if val := os.Getenv("TLS_KEY"); val != "" {
		config.TLS.Key = val
	}

	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = n
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = n
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = n
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Stack.MSS < 536 || c.Stack.MSS > 65495 {
		return fmt.Errorf("invalid MSS: %d", c.Stack.MSS)
	}
	if c.Stack.WindowSize <= 0 || c.Stack.WindowSize > 65535 {
		return fmt.Errorf("invalid window size: %d", c.Stack.WindowSize)
	}
	if c.Stack.RingCapacity < c.Stack.MSS {
		return fmt.Errorf("ring capacity %d smaller than MSS %d", c.Stack.RingCapacity, c.Stack.MSS)
	}
	if c.Stack.MaxConnections <= 0 {
		return fmt.Errorf("invalid max connections: %d", c.Stack.MaxConnections)
	}
	if c.Stack.RTOMin <= 0 || c.Stack.RTOMax < c.Stack.RTOMin {
		return fmt.Errorf("invalid RTO bounds: [%v, %v]", c.Stack.RTOMin, c.Stack.RTOMax)
	}
	if c.Stack.MaxRetries <= 0 {
		return fmt.Errorf("invalid retry limit: %d", c.Stack.MaxRetries)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		if err := logging.EnableFileLogging(dir, filename, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}
