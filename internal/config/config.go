package config

import (
	"fmt"
	"time"

	"github.com/turtacn/cryptod/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vault     VaultConfig     `mapstructure:"vault"`
	PKCS11    PKCS11Config    `mapstructure:"pkcs11"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// EnablePprof exposes /debug/pprof on the ops server.
	EnablePprof bool `mapstructure:"enable_pprof"`
}

// DatabaseConfig describes the cluster database. Virtual tenant databases are
// registered in its tenant_connections table.
type DatabaseConfig struct {
	Dialect         string        `mapstructure:"dialect"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn"`     // overrides the discrete fields when set
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// GetDSN returns the configured DSN, building a postgres one from the discrete fields if needed.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	KeyTTL       time.Duration `mapstructure:"key_ttl"`
}

// VaultConfig describes the Vault transit HSM. When enabled it is registered as HSM HSMID
// offering Categories to at most Capacity tenants (negative means unlimited).
type VaultConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Address    string        `mapstructure:"address"`
	Token      string        `mapstructure:"token"`
	MountPath  string        `mapstructure:"mount_path"` // transit mount
	Timeout    time.Duration `mapstructure:"timeout"`
	HSMID      string        `mapstructure:"hsm_id"`
	Categories []string      `mapstructure:"categories"`
	Capacity   int           `mapstructure:"capacity"`
}

// PKCS11Config describes a PKCS#11 token used as an HSM. Keys are generated on the token
// in slot Slot of Library and never leave it.
type PKCS11Config struct {
	Enabled    bool     `mapstructure:"enabled"`
	Library    string   `mapstructure:"library"` // path of the PKCS#11 module
	Slot       uint     `mapstructure:"slot"`
	PIN        string   `mapstructure:"pin"`
	HSMID      string   `mapstructure:"hsm_id"`
	Categories []string `mapstructure:"categories"`
	Capacity   int      `mapstructure:"capacity"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// SigningSecret keys the HMAC attached to every event, empty disables it.
	SigningSecret string `mapstructure:"signing_secret"`
}

// AuditConfig controls the key event table of the cluster database.
type AuditConfig struct {
	StoreEvents   bool   `mapstructure:"store_events"`
	SigningSecret string `mapstructure:"signing_secret"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// CryptoConfig holds the master key derivation inputs and key cache lifetimes.
type CryptoConfig struct {
	Passphrase          string        `mapstructure:"passphrase"`
	Salt                string        `mapstructure:"salt"`
	WrappingKeyCacheTTL time.Duration `mapstructure:"wrapping_key_cache_ttl"`
	SigningKeyCacheTTL  time.Duration `mapstructure:"signing_key_cache_ttl"`
}

// CacheConfig holds the tenant connection cache parameters. Changing it at runtime
// drains the cache.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaximumSize     int           `mapstructure:"maximum_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Wait        time.Duration `mapstructure:"wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	Exponential bool          `mapstructure:"exponential"`
}

type ProcessorConfig struct {
	Workers int `mapstructure:"workers"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database dialect %q", c.Database.Dialect)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.MaximumSize <= 0 {
		return fmt.Errorf("cache.maximum_size must be positive, got %d", c.Cache.MaximumSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault.address is required when vault is enabled")
	}
	if c.PKCS11.Enabled && c.PKCS11.Library == "" {
		return fmt.Errorf("pkcs11.library is required when pkcs11 is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Redis.Enabled && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses is required when redis is enabled")
	}
	return nil
}

// UsesDevelopmentSecrets reports whether master key derivation will fall back to the built-in passphrase or salt.
func (c *CryptoConfig) UsesDevelopmentSecrets() bool {
	return c.Passphrase == "" || c.Salt == ""
}

// Default returns a configuration suitable for local runs and tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect:         "sqlite",
			DSN:             "file:cryptod?mode=memory&cache=shared",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
		},
		Redis: RedisConfig{KeyTTL: constants.SigningKeyCacheTTL},
		Vault: VaultConfig{
			MountPath:  "transit",
			Timeout:    5 * time.Second,
			HSMID:      "vault-transit",
			Categories: append([]string(nil), constants.AllCategories...),
			Capacity:   -1,
		},
		PKCS11: PKCS11Config{
			HSMID:      "pkcs11",
			Categories: append([]string(nil), constants.AllCategories...),
			Capacity:   -1,
		},
		Kafka: KafkaConfig{
			Topic:        "cryptod.key-events",
			WriteTimeout: 10 * time.Second,
			BatchTimeout: 100 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			ServiceName: "cryptod",
			SampleRate:  1.0,
		},
		Crypto: CryptoConfig{
			WrappingKeyCacheTTL: constants.WrappingKeyCacheTTL,
			SigningKeyCacheTTL:  constants.SigningKeyCacheTTL,
		},
		Cache: CacheConfig{
			TTL:             constants.ConnectionCacheDefaultTTL,
			MaximumSize:     constants.ConnectionCacheDefaultSize,
			CleanupInterval: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: constants.DefaultMaxAttempts,
			Wait:        constants.DefaultRetryWait,
			MaxWait:     2 * time.Second,
		},
		Processor: ProcessorConfig{Workers: 8},
	}
}
