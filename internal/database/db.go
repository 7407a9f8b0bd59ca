package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConfigFromSettings maps the application database section
func ConfigFromSettings(dc config.DatabaseConfig) Config {
	return Config{
		Host:     dc.Host,
		Port:     dc.Port,
		User:     dc.User,
		Password: dc.Password,
		Database: dc.Database,
		SSLMode:  dc.SSLMode,
	}
}

// DSN returns the keyword/value connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	return Open(ctx, cfg.DSN(), logger)
}

// Open connects using a DSN or URL
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// One writer cycle plus the status API
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "database").Logger()
	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// One row per traded market, rewritten after every state-affecting step
		`CREATE TABLE IF NOT EXISTS asset_states (
			market VARCHAR(20) PRIMARY KEY,
			capital NUMERIC(30, 8) NOT NULL,
			position_status VARCHAR(20) NOT NULL DEFAULT 'NONE',
			task VARCHAR(40) NOT NULL DEFAULT '',
			avg_entry_price NUMERIC(30, 8) NOT NULL DEFAULT 0,
			total_position_size NUMERIC(30, 12) NOT NULL DEFAULT 0,
			trade_capital NUMERIC(30, 8) NOT NULL DEFAULT 0,
			main_force_signal_active BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_stop_active BOOLEAN NOT NULL DEFAULT FALSE,
			supertrend_stop_price NUMERIC(30, 8) NOT NULL DEFAULT 0,
			is_take_profit_ready BOOLEAN NOT NULL DEFAULT FALSE,
			pending_order_uuid VARCHAR(64),
			pending_order_type VARCHAR(20),
			pending_order_data JSONB,
			pending_order_timestamp TIMESTAMPTZ,
			pending_warning_sent BOOLEAN,
			today_date VARCHAR(10) NOT NULL,
			today_pnl NUMERIC(30, 8) NOT NULL DEFAULT 0,
			trading_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			halted BOOLEAN NOT NULL DEFAULT FALSE,
			halt_reason TEXT NOT NULL DEFAULT '',
			entry_date TIMESTAMPTZ,
			main_force_entry_date TIMESTAMPTZ,
			entry_ai_reasons JSONB,
			last_briefing JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT pending_fields_together CHECK (
				(pending_order_uuid IS NULL AND pending_order_type IS NULL AND pending_order_timestamp IS NULL AND pending_warning_sent IS NULL)
				OR (pending_order_uuid IS NOT NULL AND pending_order_type IS NOT NULL AND pending_order_timestamp IS NOT NULL AND pending_warning_sent IS NOT NULL)
			)
		)`,

		// Append-only exit records
		`CREATE TABLE IF NOT EXISTS trade_log (
			id BIGSERIAL PRIMARY KEY,
			market VARCHAR(20) NOT NULL,
			order_uuid VARCHAR(64) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			entry_price NUMERIC(30, 8) NOT NULL,
			exit_price NUMERIC(30, 8) NOT NULL,
			quantity NUMERIC(30, 12) NOT NULL,
			realized_pnl NUMERIC(30, 8) NOT NULL,
			pnl_percent NUMERIC(12, 4) NOT NULL,
			fee NUMERIC(30, 8) NOT NULL,
			exit_reason TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_log_order_uuid ON trade_log(order_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_log_market ON trade_log(market)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_log_exit_time ON trade_log(exit_time)`,

		// One equity row per cycle
		`CREATE TABLE IF NOT EXISTS capital_log (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			total_equity NUMERIC(30, 8) NOT NULL,
			realized_capital NUMERIC(30, 8) NOT NULL,
			unrealized_pnl NUMERIC(30, 8) NOT NULL,
			open_positions INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_log_timestamp ON capital_log(timestamp)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
