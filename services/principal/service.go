package principal

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"go.uber.org/zap"
)

// ResourceType is the audit resource type for principals
const ResourceType = "user"

// Service manages principals in the identity store
type Service struct {
	repo      repositories.PrincipalRepository
	audit     *audit.Logger
	txManager repositories.TransactionManager
	logger    *zap.Logger
}

// NewService creates a principal service
func NewService(repo repositories.PrincipalRepository, auditLogger *audit.Logger, txManager repositories.TransactionManager, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		audit:     auditLogger,
		txManager: txManager,
		logger:    logger,
	}
}

// Create adds an active principal. An empty role defaults to viewer.
func (s *Service) Create(ctx context.Context, email, name string, role models.Role, createdBy string) (*models.Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || strings.TrimSpace(name) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "email and name are required", nil)
	}
	if role == "" {
		role = models.RoleViewer
	}
	if !role.IsValid() {
		return nil, services.ErrInvalidRole
	}

	p := models.NewPrincipal(email, name, role)
	err := services.WithTransaction(ctx, s.txManager, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.ErrDuplicateEmail
			}
			return services.WrapTransient("failed to create principal", err)
		}
		entry := models.NewAuditEntry(createdBy, models.AuditActionCreateUser, ResourceType).
			WithResource(p.ID.String()).
			WithMetadata(map[string]interface{}{"email": p.Email, "name": p.Name, "role": p.Role})
		return s.audit.Log(ctx, entry)
	})
	if err != nil {
		if services.IsConflictError(err) {
			_ = s.audit.LogFailure(ctx, createdBy, models.AuditActionCreateUser, ResourceType, "", err)
		}
		return nil, err
	}

	s.logger.Info("principal created",
		zap.String("principal_id", p.ID.String()),
		zap.String("role", string(p.Role)),
		zap.String("created_by", createdBy),
	)
	return p, nil
}

// Get retrieves a principal by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, services.WrapTransient("failed to load principal", err)
	}
	return p, nil
}

// List returns principals, optionally restricted to one role
func (s *Service) List(ctx context.Context, role *models.Role) ([]*models.Principal, error) {
	if role != nil && !role.IsValid() {
		return nil, services.ErrInvalidRole
	}
	principals, err := s.repo.List(ctx, role)
	if err != nil {
		return nil, services.WrapTransient("failed to list principals", err)
	}
	if principals == nil {
		principals = []*models.Principal{}
	}
	return principals, nil
}
