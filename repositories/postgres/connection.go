package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/upb/governance-core/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an existing pool, e.g. one opened by sqlmock in tests
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck pings the database and runs a trivial query
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// coreSchema holds every table except the audit log
const coreSchema = `
	CREATE TABLE IF NOT EXISTS principals (
		id UUID PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(50) NOT NULL,
		permissions TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id UUID PRIMARY KEY,
		action_type VARCHAR(100) NOT NULL,
		sensitivity VARCHAR(20) NOT NULL,
		resource_type VARCHAR(100) NOT NULL,
		resource_id VARCHAR(255) NOT NULL DEFAULT '',
		action_summary TEXT NOT NULL,
		impact_summary TEXT,
		requester_id VARCHAR(255) NOT NULL,
		is_reversible BOOLEAN NOT NULL DEFAULT true,
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		resolved_by VARCHAR(255),
		resolved_at TIMESTAMPTZ,
		resolution_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS operation_locks (
		id UUID PRIMARY KEY,
		operation_id VARCHAR(255) NOT NULL UNIQUE,
		operation_type VARCHAR(100) NOT NULL,
		actor_id VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		result JSONB,
		locked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS system_state (
		id UUID PRIMARY KEY,
		key VARCHAR(255) NOT NULL UNIQUE,
		value JSONB NOT NULL,
		previous_value JSONB,
		version BIGINT NOT NULL CHECK (version >= 1),
		is_rollback BOOLEAN NOT NULL DEFAULT false,
		rolled_back_from_version BIGINT,
		changed_by VARCHAR(255) NOT NULL,
		change_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id BIGSERIAL PRIMARY KEY,
		scope_key VARCHAR(255) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_principals_role ON principals(role);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_status_expires ON approval_requests(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_created_at ON approval_requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_operation_locks_status_expires ON operation_locks(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_scope_ts ON rate_limit_events(scope_key, timestamp);
`

// auditSchema creates the audit log and the triggers that make it append-only
const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		actor_id VARCHAR(255) NOT NULL,
		actor_name VARCHAR(255),
		actor_role VARCHAR(50),
		action VARCHAR(100) NOT NULL,
		resource_type VARCHAR(100) NOT NULL,
		resource_id VARCHAR(255),
		changes JSONB,
		metadata JSONB,
		reason TEXT,
		outcome VARCHAR(20) NOT NULL,
		error_message TEXT,
		request_id VARCHAR(255),
		ip_address VARCHAR(45)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id);

	CREATE OR REPLACE FUNCTION audit_logs_reject_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'audit_logs is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS audit_logs_append_only ON audit_logs;
	CREATE TRIGGER audit_logs_append_only
		BEFORE UPDATE OR DELETE ON audit_logs
		FOR EACH ROW EXECUTE FUNCTION audit_logs_reject_mutation();

	DROP TRIGGER IF EXISTS audit_logs_no_truncate ON audit_logs;
	CREATE TRIGGER audit_logs_no_truncate
		BEFORE TRUNCATE ON audit_logs
		FOR EACH STATEMENT EXECUTE FUNCTION audit_logs_reject_mutation();
`

// InitSchema creates the governance tables
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, coreSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema creates the append-only audit log table
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// rowsAffected returns whether the statement touched at least one row
func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
