// Package audit records governed actions in the append-only audit trail.
package audit

import (
	"context"
	"fmt"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/services"
	"go.uber.org/zap"
)

// Config holds configuration for the audit Logger
type Config struct {
	DefaultLimit int // Trail size when the caller gives no limit
	MaxLimit     int // Hard cap on the trail size
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		DefaultLimit: 50,
		MaxLimit:     500,
	}
}

// Filter narrows a trail query. Empty fields match everything.
type Filter struct {
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ActorID      string `json:"actor_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// Logger writes audit entries synchronously. A storage failure is returned
// to the caller so that no governed action silently loses its record.
type Logger struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
	config Config
}

// NewLogger creates a new audit Logger
func NewLogger(repo repositories.AuditRepository, logger *zap.Logger, config Config) *Logger {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultConfig().DefaultLimit
	}
	if config.MaxLimit < config.DefaultLimit {
		config.MaxLimit = config.DefaultLimit
	}
	return &Logger{
		repo:   repo,
		logger: logger,
		config: config,
	}
}

// Log appends one entry. Request metadata carried by ctx fills any unset
// fields, and credentials in free-form fields are masked before storage.
func (l *Logger) Log(ctx context.Context, entry *models.AuditEntry) error {
	if entry == nil || entry.Action == "" || entry.ResourceType == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "audit entry requires an action and a resource type", nil)
	}
	if entry.ActorID == "" {
		entry.ActorID = models.SystemActor
	}
	if entry.Outcome == "" {
		entry.Outcome = models.AuditOutcomeSuccess
	}
	if meta, ok := RequestFromContext(ctx); ok {
		if entry.RequestID == nil && entry.IPAddress == nil {
			entry.WithRequest(meta.RequestID, meta.IPAddress)
		}
	}

	if redactEntry(entry) {
		l.logger.Debug("redacted credentials from audit entry",
			zap.String("action", string(entry.Action)),
			zap.String("resource_type", entry.ResourceType),
		)
	}

	if err := l.repo.Insert(ctx, entry); err != nil {
		l.logger.Error("failed to write audit entry",
			zap.Error(err),
			zap.String("action", string(entry.Action)),
			zap.String("resource_type", entry.ResourceType),
			zap.String("resource_id", entry.ResourceID),
			zap.String("actor_id", entry.ActorID),
		)
		return services.WrapTransient("failed to write audit entry", err)
	}

	l.logger.Debug("audit entry written",
		zap.String("id", entry.ID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("outcome", string(entry.Outcome)),
	)
	return nil
}

// Trail returns entries matching filter, newest first
func (l *Logger) Trail(ctx context.Context, filter Filter) ([]*models.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = l.config.DefaultLimit
	}
	if limit > l.config.MaxLimit {
		limit = l.config.MaxLimit
	}

	entries, err := l.repo.Query(ctx, repositories.AuditFilter{
		ResourceType: filter.ResourceType,
		ResourceID:   filter.ResourceID,
		ActorID:      filter.ActorID,
		Limit:        limit,
	})
	if err != nil {
		return nil, services.WrapTransient("failed to query audit trail", err)
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	return entries, nil
}

// Convenience methods for the entries written by several services

// LogPermissionDenied records a failed permission check
func (l *Logger) LogPermissionDenied(ctx context.Context, actorID string, permission, resourceID, reason string) error {
	entry := models.NewAuditEntry(actorID, models.AuditActionPermissionCheck, "permission").
		WithResource(permission).
		Denied(reason)
	if resourceID != "" {
		entry.WithMetadata(map[string]string{"target_resource_id": resourceID})
	}
	return l.Log(ctx, entry)
}

// LogFailure records a governed action that failed after authorization
func (l *Logger) LogFailure(ctx context.Context, actorID string, action models.AuditAction, resourceType, resourceID string, cause error) error {
	entry := models.NewAuditEntry(actorID, action, resourceType).
		WithResource(resourceID).
		Failed(cause)
	if err := l.Log(ctx, entry); err != nil {
		return fmt.Errorf("audit failure of %s: %w", action, err)
	}
	return nil
}
