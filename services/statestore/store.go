// Package statestore keeps keyed JSON values with one level of undo.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"go.uber.org/zap"
)

// ResourceType is the audit resource type of state entries
const ResourceType = "system_state"

// DefaultMaxAttempts bounds the optimistic write loop
const DefaultMaxAttempts = 3

// errVersionMoved signals that another writer committed between read and write
var errVersionMoved = errors.New("state version moved")

// Store is the versioned state service
type Store struct {
	repo        repositories.StateRepository
	audit       *audit.Logger
	txManager   repositories.TransactionManager
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// NewStore creates a new state store
func NewStore(repo repositories.StateRepository, auditLogger *audit.Logger, txManager repositories.TransactionManager, logger *zap.Logger) *Store {
	return &Store{
		repo:        repo,
		audit:       auditLogger,
		txManager:   txManager,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the current record for key
func (s *Store) Get(ctx context.Context, key string) (*models.VersionedState, error) {
	state, err := s.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrStateNotFound
		}
		return nil, services.WrapTransient("failed to read state", err)
	}
	return state, nil
}

// Save installs value as the next version of key, keeping the old value for rollback
func (s *Store) Save(ctx context.Context, key string, value json.RawMessage, changedBy, reason string) (*models.VersionedState, error) {
	if key == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "state key is required", nil)
	}
	if len(value) == 0 || !json.Valid(value) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "state value must be valid JSON", nil)
	}

	state, err := s.write(ctx, key, func(ctx context.Context, current *models.VersionedState) (*models.VersionedState, error) {
		now := s.now()
		if current == nil {
			next := models.NewVersionedState(key, value, changedBy, optional(reason), now)
			inserted, err := s.repo.Insert(ctx, next)
			if err != nil {
				return nil, services.WrapTransient("failed to insert state", err)
			}
			if !inserted {
				return nil, errVersionMoved
			}
			return next, nil
		}

		expected := current.Version
		next := current.Clone()
		next.Save(value, changedBy, optional(reason), now)
		if err := s.update(ctx, next, expected); err != nil {
			return nil, err
		}
		return next, nil
	}, func(next *models.VersionedState) *models.AuditEntry {
		return models.NewAuditEntry(changedBy, models.AuditActionSaveState, ResourceType).
			WithResource(key).
			WithChanges(map[string]int64{"version": next.Version}).
			WithReason(reason)
	})
	if err != nil {
		s.auditFailure(ctx, changedBy, models.AuditActionSaveState, key, err)
		return nil, err
	}

	s.logger.Info("state saved", zap.String("key", key), zap.Int64("version", state.Version))
	return state, nil
}

// Rollback restores the previous value of key as a new version
func (s *Store) Rollback(ctx context.Context, key, changedBy, reason string) (*models.VersionedState, error) {
	var from int64
	state, err := s.write(ctx, key, func(ctx context.Context, current *models.VersionedState) (*models.VersionedState, error) {
		if current == nil {
			return nil, services.ErrStateNotFound
		}
		expected := current.Version
		next := current.Clone()
		if err := next.Rollback(changedBy, optional(reason), s.now()); err != nil {
			return nil, services.NewDomainError(services.ErrorTypeStateConflict, services.ErrNoPreviousVersion.Message, err)
		}
		if err := s.update(ctx, next, expected); err != nil {
			return nil, err
		}
		from = expected
		return next, nil
	}, func(next *models.VersionedState) *models.AuditEntry {
		return models.NewAuditEntry(changedBy, models.AuditActionRollbackState, ResourceType).
			WithResource(key).
			WithChanges(map[string]int64{"rolled_back_from": from, "to_version": next.Version}).
			WithReason(reason)
	})
	if err != nil {
		s.auditFailure(ctx, changedBy, models.AuditActionRollbackState, key, err)
		return nil, err
	}

	s.logger.Info("state rolled back",
		zap.String("key", key),
		zap.Int64("from_version", from),
		zap.Int64("version", state.Version),
	)
	return state, nil
}

// write runs read-modify-write in a transaction together with its audit entry,
// retrying when a concurrent writer wins the version check
func (s *Store) write(
	ctx context.Context,
	key string,
	mutate func(ctx context.Context, current *models.VersionedState) (*models.VersionedState, error),
	entry func(next *models.VersionedState) *models.AuditEntry,
) (*models.VersionedState, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		state, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context) (*models.VersionedState, error) {
			current, err := s.repo.Get(ctx, key)
			if err != nil {
				if !errors.Is(err, repositories.ErrNotFound) {
					return nil, services.WrapTransient("failed to read state", err)
				}
				current = nil
			}
			next, err := mutate(ctx, current)
			if err != nil {
				return nil, err
			}
			if err := s.audit.Log(ctx, entry(next)); err != nil {
				return nil, err
			}
			return next, nil
		})
		if errors.Is(err, errVersionMoved) {
			s.logger.Debug("state write lost version race, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
			continue
		}
		return state, err
	}
	return nil, services.NewDomainError(services.ErrorTypeConflict, services.ErrConcurrentUpdate.Message, nil).
		WithDetail("key", key)
}

func (s *Store) update(ctx context.Context, next *models.VersionedState, expected int64) error {
	ok, err := s.repo.Update(ctx, next, expected)
	if err != nil {
		return services.WrapTransient("failed to update state", err)
	}
	if !ok {
		return errVersionMoved
	}
	return nil
}

func (s *Store) auditFailure(ctx context.Context, actor string, action models.AuditAction, key string, cause error) {
	if err := s.audit.LogFailure(ctx, actor, action, ResourceType, key, cause); err != nil {
		s.logger.Error("failed to audit state failure", zap.Error(err), zap.String("key", key))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
