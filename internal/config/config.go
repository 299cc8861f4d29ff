package config

import "time"

// Storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config holds server configuration values.
type Config struct {
	TCPAddr           string        `mapstructure:"tcp_addr" yaml:"tcp_addr"`
	UDPAddr           string        `mapstructure:"udp_addr" yaml:"udp_addr"`
	HTTPAddr          string        `mapstructure:"http_addr" yaml:"http_addr"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Storage
	Storage      string `mapstructure:"storage" yaml:"storage"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// Tick loop
	TickInterval       time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	MaxMessagesPerTick int           `mapstructure:"max_messages_per_tick" yaml:"max_messages_per_tick"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ForwardTTL         time.Duration `mapstructure:"forward_ttl" yaml:"forward_ttl"`

	// Persistence
	AutosaveInterval time.Duration `mapstructure:"autosave_interval" yaml:"autosave_interval"`
	SleepEnabled     bool          `mapstructure:"sleep_enabled" yaml:"sleep_enabled"`

	// Work scheduler
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	PumpBudget time.Duration `mapstructure:"pump_budget" yaml:"pump_budget"`

	// Administration
	AdminSecretHash string `mapstructure:"admin_secret_hash" yaml:"admin_secret_hash"`
	JWTSecret       string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer       string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience     string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	MinAliases      int    `mapstructure:"min_aliases" yaml:"min_aliases"`
	MaxAliases      int    `mapstructure:"max_aliases" yaml:"max_aliases"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		TCPAddr:            ":5127",
		UDPAddr:            ":5128",
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		Storage:            StorageFile,
		DataDir:            "data",
		DatabasePath:       "data/replica.db",
		TickInterval:       10 * time.Millisecond,
		MaxMessagesPerTick: 100,
		IdleTimeout:        10 * time.Second,
		ForwardTTL:         10 * time.Second,
		AutosaveInterval:   time.Minute,
		SleepEnabled:       true,
		Workers:            0,
		PumpBudget:         4 * time.Millisecond,
		JWTSecret:          "change-me-in-production",
		JWTIssuer:          "replica-server",
		JWTAudience:        "replica-operator",
		MinAliases:         0,
		MaxAliases:         8,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.TCPAddr != "" {
		c.TCPAddr = other.TCPAddr
	}
	if other.UDPAddr != "" {
		c.UDPAddr = other.UDPAddr
	}
	if other.HTTPAddr != "" {
		c.HTTPAddr = other.HTTPAddr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.Storage != "" {
		c.Storage = other.Storage
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.TickInterval != 0 {
		c.TickInterval = other.TickInterval
	}
	if other.MaxMessagesPerTick != 0 {
		c.MaxMessagesPerTick = other.MaxMessagesPerTick
	}
	if other.IdleTimeout != 0 {
		c.IdleTimeout = other.IdleTimeout
	}
	if other.ForwardTTL != 0 {
		c.ForwardTTL = other.ForwardTTL
	}
	if other.AutosaveInterval != 0 {
		c.AutosaveInterval = other.AutosaveInterval
	}
	if other.Workers != 0 {
		c.Workers = other.Workers
	}
	if other.PumpBudget != 0 {
		c.PumpBudget = other.PumpBudget
	}
	if other.AdminSecretHash != "" {
		c.AdminSecretHash = other.AdminSecretHash
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.MinAliases != 0 {
		c.MinAliases = other.MinAliases
	}
	if other.MaxAliases != 0 {
		c.MaxAliases = other.MaxAliases
	}
}
