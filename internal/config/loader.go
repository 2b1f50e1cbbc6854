package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/turtacn/cryptod/pkg/logger"
)

// Loader reads the configuration with viper and keeps the viper instance around
// so that file changes can be watched.
type Loader struct {
	v   *viper.Viper
	log logger.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. configFile may be empty, in which case config.yaml is
// searched in /etc/cryptod/ and the working directory.
func NewLoader(configFile string, log logger.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/cryptod/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CRYPTOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, log: log.WithComponent("ConfigLoader")}
}

// LoadConfig loads the configuration from file and environment variables.
func LoadConfig(configFile string, log logger.Logger) (*Config, error) {
	return NewLoader(configFile, log).Load()
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		l.log.Info(context.Background(), "No config file found, using defaults and environment")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch re-reads the configuration file on change and calls onChange with the new
// configuration. Invalid configurations are logged and ignored.
func (l *Loader) Watch(onChange func(old, updated *Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		ctx := context.Background()
		l.log.Info(ctx, "Config file changed", logger.String("file", e.Name), logger.String("op", e.Op.String()))

		cfg, err := l.decode()
		if err != nil {
			l.log.Error(ctx, "Ignoring invalid config change", err)
			return
		}

		l.mu.Lock()
		old := l.current
		l.current = cfg
		l.mu.Unlock()

		onChange(old, cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("database.dialect", d.Database.Dialect)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.max_conn_lifetime", d.Database.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", d.Database.MaxConnIdleTime)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.key_ttl", d.Redis.KeyTTL)

	v.SetDefault("audit.store_events", false)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", d.Vault.MountPath)
	v.SetDefault("vault.timeout", d.Vault.Timeout)
	v.SetDefault("vault.hsm_id", d.Vault.HSMID)
	v.SetDefault("vault.categories", d.Vault.Categories)
	v.SetDefault("vault.capacity", d.Vault.Capacity)
	v.SetDefault("pkcs11.enabled", false)
	v.SetDefault("pkcs11.slot", d.PKCS11.Slot)
	v.SetDefault("pkcs11.hsm_id", d.PKCS11.HSMID)
	v.SetDefault("pkcs11.categories", d.PKCS11.Categories)
	v.SetDefault("pkcs11.capacity", d.PKCS11.Capacity)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.write_timeout", d.Kafka.WriteTimeout)
	v.SetDefault("kafka.batch_timeout", d.Kafka.BatchTimeout)
	v.SetDefault("kafka.signing_secret", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	// passphrase and salt have no defaults; env CRYPTOD_CRYPTO_PASSPHRASE / CRYPTOD_CRYPTO_SALT
	v.SetDefault("crypto.passphrase", "")
	v.SetDefault("crypto.salt", "")
	v.SetDefault("crypto.wrapping_key_cache_ttl", d.Crypto.WrappingKeyCacheTTL)
	v.SetDefault("crypto.signing_key_cache_ttl", d.Crypto.SigningKeyCacheTTL)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.maximum_size", d.Cache.MaximumSize)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.wait", d.Retry.Wait)
	v.SetDefault("retry.max_wait", d.Retry.MaxWait)
	v.SetDefault("retry.exponential", d.Retry.Exponential)

	v.SetDefault("processor.workers", d.Processor.Workers)
}
