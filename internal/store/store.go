// Package store is the durable trade log and decision store. Every state
// transition is a single guarded UPDATE so concurrent processors never claim
// or finish the same trade twice.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/pkg/metrics"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqliteParams serialize writers through BEGIN IMMEDIATE and make them wait
// for the lock instead of failing with SQLITE_BUSY.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=1"

// Store wraps the gorm connection
type Store struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the configured database and tunes the pool.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	if cfg.LogSQL {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(SQLiteDSN(cfg.DSN))
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite has a single writer; one connection per process avoids
		// lock contention inside the process.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	}

	return New(db, cfg.Driver, log), nil
}

// New wraps an existing connection.
func New(db *gorm.DB, driver string, log *zap.Logger) *Store {
	return &Store{
		db:     db,
		driver: driver,
		logger: log.Named("store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SQLiteDSN appends the locking parameters to a file DSN unless the caller
// already supplied query parameters.
func SQLiteDSN(dsn string) string {
	if strings.Contains(dsn, "?") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	return dsn + "?" + sqliteParams
}

// DB exposes the underlying connection for reference data loading.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Migrate creates or updates the schema. On postgres with a notify channel a
// trigger announces every inserted trade.
func (s *Store) Migrate(ctx context.Context, notifyChannel string) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if s.driver != DriverPostgres || notifyChannel == "" {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION tradesentry_notify_new_trade() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%s, NEW.id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, quoteLiteral(notifyChannel)),
		`DROP TRIGGER IF EXISTS trades_notify_new ON trades`,
		`CREATE TRIGGER trades_notify_new AFTER INSERT ON trades FOR EACH ROW EXECUTE FUNCTION tradesentry_notify_new_trade()`,
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("install notify trigger: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return translate(sqlDB.PingContext(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReportPoolStats publishes connection pool gauges.
func (s *Store) ReportPoolStats() {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(s.driver).Set(float64(stats.OpenConnections))
	metrics.DBIdleConns.WithLabelValues(s.driver).Set(float64(stats.Idle))
	metrics.DBInUseConns.WithLabelValues(s.driver).Set(float64(stats.InUse))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
