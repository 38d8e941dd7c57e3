package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// PrincipalRepository implements the repositories.PrincipalRepository interface
type PrincipalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(db *DB, logger *zap.Logger) repositories.PrincipalRepository {
	return &PrincipalRepository{
		db:     db,
		logger: logger,
	}
}

const principalColumns = `id, email, name, role, permissions, is_active, created_at, updated_at`

// Create creates a new principal
func (r *PrincipalRepository) Create(ctx context.Context, p *models.Principal) error {
	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		p.ID,
		p.Email,
		p.Name,
		p.Role,
		pq.Array(p.Permissions),
		p.IsActive,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("principal %s: %w", p.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}

	r.logger.Debug("principal created", zap.String("id", p.ID.String()), zap.String("email", p.Email))
	return nil
}

// GetByID retrieves a principal by ID
func (r *PrincipalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	p, err := scanPrincipal(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return p, nil
}

// List returns principals ordered by creation time, optionally filtered by role
func (r *PrincipalRepository) List(ctx context.Context, role *models.Role) ([]*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals`
	var args []interface{}
	if role != nil {
		query += ` WHERE role = $1`
		args = append(args, *role)
	}
	query += ` ORDER BY created_at ASC`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var principals []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating principal rows: %w", err)
	}
	return principals, nil
}

// UpdateRole sets the role of a principal
func (r *PrincipalRepository) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	query := `UPDATE principals SET role = $2, updated_at = $3 WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, id, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update principal role: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("principal %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("principal role updated", zap.String("id", id.String()), zap.String("role", string(role)))
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipal(row rowScanner) (*models.Principal, error) {
	p := &models.Principal{}
	var permissions pq.StringArray
	if err := row.Scan(
		&p.ID,
		&p.Email,
		&p.Name,
		&p.Role,
		&permissions,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Permissions = []string(permissions)
	if p.Permissions == nil {
		p.Permissions = []string{}
	}
	return p, nil
}
