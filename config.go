package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"template-server/handlers"
	"template-server/logging"
)

// ByteSize is a byte count that can be written either as a number or in a
// human-friendly form such as "256KiB" or "1 MB".
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ByteSize) UnmarshalText(text []byte) error {
	value, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*s = ByteSize(value)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return s.UnmarshalText([]byte(node.Value))
}

// String renders the size in IEC units.
func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

// Config holds all configuration for the server. It must not be modified
// once the server has started.
type Config struct {
	Port             int      `yaml:"port"`
	Host             string   `yaml:"host"`
	Root             string   `yaml:"root"`
	Index            string   `yaml:"index"`
	LogLevel         string   `yaml:"log_level"`
	DenyPatterns     []string `yaml:"deny_patterns"`
	HealthPath       string   `yaml:"health_path"`
	CacheEnabled     bool     `yaml:"cache_enabled"`
	CacheSize        int      `yaml:"cache_size"`
	CacheTTL         int      `yaml:"cache_ttl_seconds"`
	CacheMaxFileSize ByteSize `yaml:"cache_max_file_size"`
	RateLimitEnabled bool     `yaml:"rate_limit_enabled"`
	RateLimitRPM     int      `yaml:"rate_limit_requests_per_minute"`
	RateLimitBurst   int      `yaml:"rate_limit_burst_size"`
	TrustForwarded   bool     `yaml:"rate_limit_trust_forwarded"`
	MaxConnections   int      `yaml:"max_connections"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_seconds"`
}

// DefaultConfig returns the configuration used when nothing is overridden:
// files under public/ served on port 3000.
func DefaultConfig() *Config {
	return &Config{
		Port:             3000,
		Root:             "public",
		Index:            handlers.DefaultIndex,
		LogLevel:         "info",
		DenyPatterns:     []string{"**/.*"},
		CacheEnabled:     false,
		CacheSize:        100,
		CacheTTL:         300, // 5 minutes
		CacheMaxFileSize: 256 * 1024,
		RateLimitEnabled: false,
		RateLimitRPM:     100, // 100 requests per minute
		RateLimitBurst:   20,
		ShutdownTimeout:  30, // 30 seconds
	}
}

// LoadConfig loads configuration from defaults, a config file and the
// environment, in increasing order of precedence. A .env file in the working
// directory is loaded first if present; it never overrides variables that
// are already set. The config file is taken from configFile, falling back to
// STATIC_CONFIG_FILE.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "unable to load .env file")
	}

	if configFile == "" {
		configFile = os.Getenv("STATIC_CONFIG_FILE")
	}
	if configFile != "" {
		if err := loadConfigFromFile(configFile, config); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	if err := loadConfigFromEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a YAML (or JSON) file. Keys
// absent from the file keep their current values.
func loadConfigFromFile(filename string, config *Config) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && err != io.EOF {
		return errors.Wrap(err, "unable to decode configuration")
	}
	return nil
}

// loadConfigFromEnv applies environment variable overrides.
func loadConfigFromEnv(config *Config) error {
	if portStr := os.Getenv("STATIC_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return errors.Wrap(err, "invalid STATIC_PORT")
		}
		config.Port = port
	}

	if host, ok := os.LookupEnv("STATIC_HOST"); ok {
		config.Host = host
	}

	if root := os.Getenv("STATIC_ROOT"); root != "" {
		config.Root = root
	}

	if logLevel := os.Getenv("STATIC_LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}

	return nil
}

// RegisterFlags registers the configuration flags. Their defaults mirror
// DefaultConfig for help output only; ApplyFlags applies explicitly set flags.
func RegisterFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.IntP("port", "p", defaults.Port, "Port to listen on")
	flags.String("host", defaults.Host, "Host or address to listen on (all interfaces when empty)")
	flags.StringP("root", "r", defaults.Root, "Directory of static assets to serve")
	flags.StringP("log-level", "l", defaults.LogLevel, "Log level (disabled, error, warn, info, debug, trace)")
	flags.StringP("config", "c", "", "Path to a YAML or JSON config file")
}

// ApplyFlags overrides configuration values with explicitly set flags.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	if flags.Changed("port") {
		if c.Port, err = flags.GetInt("port"); err != nil {
			return err
		}
	}
	if flags.Changed("host") {
		if c.Host, err = flags.GetString("host"); err != nil {
			return err
		}
	}
	if flags.Changed("root") {
		if c.Root, err = flags.GetString("root"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if c.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port: %d", c.Port)
	}
	if c.Root == "" {
		return errors.New("root directory must not be empty")
	}
	if _, ok := logging.NameToLevel(c.LogLevel); !ok {
		return errors.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.HealthPath != "" && c.HealthPath[0] != '/' {
		return errors.Errorf("health path must start with '/': %s", c.HealthPath)
	}
	if c.CacheEnabled && c.CacheSize <= 0 {
		return errors.Errorf("invalid cache size: %d", c.CacheSize)
	}
	if c.RateLimitEnabled && (c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("rate limit requires positive requests per minute and burst size")
	}
	if c.MaxConnections < 0 {
		return errors.Errorf("invalid connection limit: %d", c.MaxConnections)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Errorf("invalid shutdown timeout: %d", c.ShutdownTimeout)
	}
	return nil
}

// Level returns the configured log level. The configuration must be valid.
func (c *Config) Level() logging.Level {
	level, _ := logging.NameToLevel(c.LogLevel)
	return level
}

// CacheTTLDuration returns the cache TTL as a duration.
func (c *Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// ShutdownTimeoutDuration returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}
