package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/cloudsync-pg/internal/config"
)

// DB wraps the database connection pool
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// RunMigrations executes all pending database migrations
func (db *DB) RunMigrations(ctx context.Context, migrationsDir string) error {
	// Ensure schema exists first
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	// Set goose table name to be schema-specific to avoid conflicts
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}

	if err := goose.Up(stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus returns the current migration status
func (db *DB) MigrationStatus(migrationsDir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}

	return goose.Status(stdDB, migrationsDir)
}

// GetUserStats returns catalog totals for one user's accounts and files.
func (db *DB) GetUserStats(ctx context.Context, userID int64) (*UserStats, error) {
	stats := &UserStats{}

	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM accounts WHERE user_id = $1 AND is_active",
		userID).Scan(&stats.Accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}

	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0)
		FROM file_records
		WHERE user_id = $1 AND is_active AND NOT is_folder
	`, userID).Scan(&stats.ActiveFiles, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	return stats, nil
}
