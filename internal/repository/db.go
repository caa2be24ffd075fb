package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lucidnotes/doc-pipeline/internal/common"
)

// Config carries connection pool settings for Open.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Open creates a pgx pool, wraps it for GORM, and returns both.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*gorm.DB, *pgxpool.Pool, error) {
	log.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		log.Error("failed to parse database DSN", "error", err)
		return nil, nil, fmt.Errorf("%w: parse dsn: %w", common.ErrDatabase, err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "doc-pipeline"

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return nil, nil, fmt.Errorf("%w: connect: %w", common.ErrDatabase, err)
	}

	// Wrap the pool as *sql.DB for GORM.
	db := stdlib.OpenDBFromPool(pool)
	gdb, err := gorm.Open(gormpg.New(gormpg.Config{Conn: db}), gormConfig())
	if err != nil {
		pool.Close()
		log.Error("failed to open gorm over pgx pool", "error", err)
		return nil, nil, fmt.Errorf("%w: open orm: %w", common.ErrDatabase, err)
	}

	log.Info("successfully connected to database")
	return gdb, pool, nil
}

// OpenSQLite opens an in-process SQLite database. Used by tests and the
// batch CLI's --inmem mode; the schema is identical to Postgres.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), gormConfig())
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		// Duplicate-key errors become gorm.ErrDuplicatedKey across drivers;
		// the unique (content_hash, pipeline_version) index is the sole
		// serialization point for submissions.
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
}

// Migrate creates or updates the documents/jobs/cache_entries tables.
func Migrate(db *gorm.DB) error {
	return common.WrapError(db.AutoMigrate(&documentRow{}, &jobRow{}, &cacheEntryRow{}), "migrate schema")
}

// HealthCheck pings through the pool to catch DSN issues early.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", common.ErrDatabase, err)
	}
	return nil
}
