package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface.
// It only ever inserts; the audit_logs triggers reject UPDATE, DELETE and TRUNCATE.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `id, timestamp, actor_id, actor_name, actor_role, action, resource_type, resource_id,
	changes, metadata, reason, outcome, error_message, request_id, ip_address`

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.ActorID,
		entry.ActorName,
		entry.ActorRole,
		entry.Action,
		entry.ResourceType,
		nullableString(entry.ResourceID),
		nullableJSON(entry.Changes),
		nullableJSON(entry.Metadata),
		entry.Reason,
		entry.Outcome,
		entry.ErrorMessage,
		entry.RequestID,
		entry.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted",
		zap.String("id", entry.ID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("outcome", string(entry.Outcome)))
	return nil
}

// Query returns entries matching filter, newest first
func (r *AuditRepository) Query(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEntry, error) {
	var (
		conditions []string
		args       []interface{}
	)
	addCondition := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCondition("resource_type", filter.ResourceType)
	addCondition("resource_id", filter.ResourceID)
	addCondition("actor_id", filter.ActorID)

	var b strings.Builder
	b.WriteString(`SELECT ` + auditColumns + ` FROM audit_logs`)
	if len(conditions) > 0 {
		b.WriteString(` WHERE ` + strings.Join(conditions, " AND "))
	}
	args = append(args, filter.Limit)
	fmt.Fprintf(&b, ` ORDER BY timestamp DESC LIMIT $%d`, len(args))

	return r.queryAuditLogs(ctx, b.String(), args...)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEntry, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry := &models.AuditEntry{}
		var (
			resourceID        *string
			changes, metadata []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.ActorID,
			&entry.ActorName,
			&entry.ActorRole,
			&entry.Action,
			&entry.ResourceType,
			&resourceID,
			&changes,
			&metadata,
			&entry.Reason,
			&entry.Outcome,
			&entry.ErrorMessage,
			&entry.RequestID,
			&entry.IPAddress,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if resourceID != nil {
			entry.ResourceID = *resourceID
		}
		if len(changes) > 0 {
			entry.Changes = changes
		}
		if len(metadata) > 0 {
			entry.Metadata = metadata
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return entries, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
