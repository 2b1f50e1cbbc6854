// Package persistence provides the gorm backed storage of the crypto worker: database
// connections, the per-tenant connection cache, repositories and the signing key store.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DatabaseSettings describes one database to open.
type DatabaseSettings struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SettingsFromConfig returns the settings of the cluster database.
func SettingsFromConfig(cfg *config.DatabaseConfig) DatabaseSettings {
	return DatabaseSettings{
		Dialect:         cfg.Dialect,
		DSN:             cfg.GetDSN(),
		MaxOpenConns:    cfg.MaxConns,
		MaxIdleConns:    cfg.MinConns,
		ConnMaxLifetime: cfg.MaxConnLifetime,
		ConnMaxIdleTime: cfg.MaxConnIdleTime,
	}
}

// SettingsFromTenant returns the settings of a registered tenant database.
func SettingsFromTenant(tc *models.TenantConnection) DatabaseSettings {
	return DatabaseSettings{
		Dialect:      tc.Dialect,
		DSN:          tc.DSN,
		MaxOpenConns: tc.MaxOpenConns,
		MaxIdleConns: tc.MaxIdleConns,
	}
}

// DBConnection owns one gorm database handle and its connection pool. Close is safe to
// call more than once; only the first call closes the pool.
type DBConnection struct {
	name     string
	db       *gorm.DB
	settings DatabaseSettings
	logger   logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenDatabase opens the database described by settings and pings it.
func OpenDatabase(ctx context.Context, name string, settings DatabaseSettings, log logger.Logger) (*DBConnection, error) {
	log = log.WithComponent("DBConnection")

	var dialector gorm.Dialector
	switch settings.Dialect {
	case DialectPostgres:
		dialector = postgres.Open(settings.DSN)
	case DialectSQLite:
		dialector = sqlite.Open(settings.DSN)
	default:
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("unsupported database dialect %q", settings.Dialect))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.ErrTransient("failed to open database "+name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.ErrInternal("failed to access connection pool of "+name, err)
	}
	if isMemorySQLite(settings) {
		// an in-memory database lives as long as its last connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	} else {
		if settings.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(settings.MaxOpenConns)
		}
		if settings.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(settings.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(settings.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(settings.ConnMaxIdleTime)
	}

	conn := &DBConnection{name: name, db: db, settings: settings, logger: log}
	if err := conn.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Info(ctx, "Database connection opened",
		logger.String("name", name),
		logger.String("dialect", settings.Dialect),
	)
	return conn, nil
}

// DB returns the gorm handle bound to ctx.
func (c *DBConnection) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

// Name returns the name the connection was opened under, the tenant id for tenant databases.
func (c *DBConnection) Name() string {
	return c.name
}

// Ping verifies that the database answers.
func (c *DBConnection) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return errors.ErrInternal("failed to access connection pool", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return ClassifyDBError(err, "database "+c.name+" is unreachable")
	}
	if latency := time.Since(start); latency > 100*time.Millisecond {
		c.logger.Warn(ctx, "High database latency detected",
			logger.String("name", c.name),
			logger.Duration("latency", latency),
		)
	}
	return nil
}

// Close closes the connection pool once.
func (c *DBConnection) Close() error {
	c.closeOnce.Do(func() {
		sqlDB, err := c.db.DB()
		if err != nil {
			c.closeErr = err
			return
		}
		c.closeErr = sqlDB.Close()
		c.logger.Info(context.Background(), "Database connection closed", logger.String("name", c.name))
	})
	return c.closeErr
}

func isMemorySQLite(s DatabaseSettings) bool {
	return s.Dialect == DialectSQLite &&
		(strings.Contains(s.DSN, ":memory:") || strings.Contains(s.DSN, "mode=memory"))
}

// gormWriter forwards gorm log lines to the service logger.
type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func newGormLogger(log logger.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{log: log}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
