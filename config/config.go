package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full, validated client configuration. Construct with
// Default and mutate before first use, or load from a TOML file with
// LoadFile; it must not change after being handed to a client.
type Config struct {
	// Seeds is the initial list of server addresses. A single seed pins
	// the client to that server; multiple seeds start discovery.
	Seeds []ServerAddress

	// Direct forces a single-server topology against the first seed even
	// when more are listed: no discovery, no membership reconciliation.
	Direct bool

	// HeartbeatInterval is how often each server monitor probes its server.
	HeartbeatInterval time.Duration

	// ServerSelectionTimeout bounds how long SelectServer blocks waiting
	// for a suitable server to appear.
	ServerSelectionTimeout time.Duration

	// LatencyWindow widens the set of eligible servers to those within this
	// margin of the fastest candidate, enabling load spreading.
	LatencyWindow time.Duration

	Connection ConnectionSettings
	Security   SecuritySettings

	// Credentials are carried through to the handshake layer untouched.
	Credentials []Credential

	LogLevel string
	LogFile  string

	MetricsEnabled bool
	MetricsAddress string
}

// Default returns a Config with conservative defaults and no seeds.
func Default() *Config {
	return &Config{
		HeartbeatInterval:      10 * time.Second,
		ServerSelectionTimeout: 30 * time.Second,
		LatencyWindow:          15 * time.Millisecond,
		Connection: ConnectionSettings{
			ConnectTimeout:  10 * time.Second,
			ReadTimeout:     30 * time.Second,
			CheckoutTimeout: 10 * time.Second,
			MaxIdleTime:     10 * time.Minute,
			MinPoolSize:     0,
			MaxPoolSize:     100,
		},
		LogLevel:       "info",
		MetricsEnabled: false,
		MetricsAddress: "localhost:9090",
	}
}

// Validate reports the first configuration error, if any. A config that
// does not validate must not be handed to a client.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("no seed addresses configured")
	}
	seen := make(map[ServerAddress]bool, len(c.Seeds))
	for _, addr := range c.Seeds {
		if addr.Host == "" || addr.Port == 0 {
			return fmt.Errorf("seed %q is not a normalized address", addr)
		}
		if seen[addr] {
			return fmt.Errorf("duplicate seed address %s", addr)
		}
		seen[addr] = true
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ServerSelectionTimeout <= 0 {
		return fmt.Errorf("server selection timeout must be positive, got %v", c.ServerSelectionTimeout)
	}
	if c.LatencyWindow < 0 {
		return fmt.Errorf("latency window must not be negative, got %v", c.LatencyWindow)
	}
	return c.Connection.Validate()
}

// fileConfig mirrors the TOML file layout. Durations are strings parsed
// with time.ParseDuration.
type fileConfig struct {
	Mongolink struct {
		Seeds                  []string `toml:"seeds"`
		Direct                 bool     `toml:"direct"`
		LogLevel               string   `toml:"log_level"`
		LogFile                string   `toml:"logfile"`
		HeartbeatInterval      string   `toml:"heartbeat_interval"`
		ServerSelectionTimeout string   `toml:"server_selection_timeout"`
		LatencyWindow          string   `toml:"latency_window"`
		ConnectTimeout         string   `toml:"connect_timeout"`
		ReadTimeout            string   `toml:"read_timeout"`
		CheckoutTimeout        string   `toml:"checkout_timeout"`
		MaxIdleTime            string   `toml:"max_idle_time"`
		MinPoolSize            *int     `toml:"min_pool_size"`
		MaxPoolSize            *int     `toml:"max_pool_size"`
		MetricsEnabled         *bool    `toml:"metrics_enabled"`
		MetricsAddress         string   `toml:"metrics_address"`
		TLSEnabled             bool     `toml:"tls_enabled"`
		TLSInsecureSkipVerify  bool     `toml:"tls_insecure_skip_verify"`
		TLSServerName          string   `toml:"tls_server_name"`
	} `toml:"mongolink"`

	Credentials []struct {
		Username string `toml:"username"`
		Password string `toml:"password"`
		Source   string `toml:"source"`
	} `toml:"credentials"`
}

// LoadFile loads configuration from a TOML file, applying defaults for
// anything the file leaves unset, and validates the result.
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(configPath, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	c := Default()

	for _, seed := range fc.Mongolink.Seeds {
		addr, err := ParseAddress(seed)
		if err != nil {
			return nil, fmt.Errorf("invalid seed: %w", err)
		}
		c.Seeds = append(c.Seeds, addr)
	}
	c.Direct = fc.Mongolink.Direct

	if fc.Mongolink.LogLevel != "" {
		c.LogLevel = fc.Mongolink.LogLevel
	}
	c.LogFile = fc.Mongolink.LogFile

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.Mongolink.HeartbeatInterval, "heartbeat_interval", &c.HeartbeatInterval},
		{fc.Mongolink.ServerSelectionTimeout, "server_selection_timeout", &c.ServerSelectionTimeout},
		{fc.Mongolink.LatencyWindow, "latency_window", &c.LatencyWindow},
		{fc.Mongolink.ConnectTimeout, "connect_timeout", &c.Connection.ConnectTimeout},
		{fc.Mongolink.ReadTimeout, "read_timeout", &c.Connection.ReadTimeout},
		{fc.Mongolink.CheckoutTimeout, "checkout_timeout", &c.Connection.CheckoutTimeout},
		{fc.Mongolink.MaxIdleTime, "max_idle_time", &c.Connection.MaxIdleTime},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	if fc.Mongolink.MinPoolSize != nil {
		c.Connection.MinPoolSize = *fc.Mongolink.MinPoolSize
	}
	if fc.Mongolink.MaxPoolSize != nil {
		c.Connection.MaxPoolSize = *fc.Mongolink.MaxPoolSize
	}
	if fc.Mongolink.MetricsEnabled != nil {
		c.MetricsEnabled = *fc.Mongolink.MetricsEnabled
	}
	if fc.Mongolink.MetricsAddress != "" {
		c.MetricsAddress = fc.Mongolink.MetricsAddress
	}

	c.Security = SecuritySettings{
		TLSEnabled:         fc.Mongolink.TLSEnabled,
		InsecureSkipVerify: fc.Mongolink.TLSInsecureSkipVerify,
		ServerName:         fc.Mongolink.TLSServerName,
	}

	for _, cred := range fc.Credentials {
		source := cred.Source
		if source == "" {
			source = "admin"
		}
		c.Credentials = append(c.Credentials, Credential{
			Username: cred.Username,
			Password: cred.Password,
			Source:   source,
		})
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLogger creates a zap logger with the specified level and output file.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}

	return cfg.Build()
}
