// Package governance composes permission checks, approvals, idempotency,
// retries and auditing into one call for collaborators that run their own
// mutations.
package governance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/governance-core/internal/observability"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/idempotency"
	"github.com/upb/governance-core/services/permission"
	"github.com/upb/governance-core/services/retry"
	"go.uber.org/zap"
)

// Status is the terminal state of Execute
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusFailed          Status = "failed"
	StatusDenied          Status = "denied"
	StatusPendingApproval Status = "pending_approval"
	StatusDuplicate       Status = "duplicate"
	StatusInProgress      Status = "in_progress"
)

// Action describes one governed mutation
type Action struct {
	ActorID        uuid.UUID
	Permission     string
	ActionType     string
	ResourceType   string
	ResourceID     string
	Summary        string
	Impact         string
	Reversible     bool
	IdempotencyKey string
	ApprovalID     *uuid.UUID
	Run            retry.Operation
}

// Result reports what Execute did
type Result struct {
	Status   Status                  `json:"status"`
	Value    json.RawMessage         `json:"value,omitempty"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
	Attempts int                     `json:"attempts,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

// Authorizer decides permission checks
type Authorizer interface {
	Check(ctx context.Context, principalID uuid.UUID, permission, resourceID string) (*permission.Decision, error)
}

// Approvals is the approval workflow used to gate sensitive action types
type Approvals interface {
	RequiresApproval(actionType string) bool
	Create(ctx context.Context, in models.ApprovalInput) (*models.ApprovalRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
	ExpireIfDue(ctx context.Context, req *models.ApprovalRequest) (bool, error)
}

// ApprovalOperationPrefix prefixes the lock taken for an approved action, so
// one approval authorizes one execution
const ApprovalOperationPrefix = "approval:"

// Locks hands out idempotency locks
type Locks interface {
	Ensure(ctx context.Context, operationID, operationType, actorID string) (*idempotency.Outcome, error)
	Complete(ctx context.Context, operationID string, result json.RawMessage, success bool) (*models.OperationLock, error)
}

// Executor runs governed actions
type Executor struct {
	authorizer Authorizer
	approvals  Approvals
	locks      Locks
	retry      *retry.Executor
	audit      *audit.Logger
	logger     *zap.Logger
}

// NewExecutor creates a governed-action executor
func NewExecutor(authorizer Authorizer, approvals Approvals, locks Locks, retryExecutor *retry.Executor, auditLogger *audit.Logger, logger *zap.Logger) *Executor {
	return &Executor{
		authorizer: authorizer,
		approvals:  approvals,
		locks:      locks,
		retry:      retryExecutor,
		audit:      auditLogger,
		logger:     logger,
	}
}

// Execute checks permission, enforces approval for sensitive actions, takes
// the idempotency lock, runs the action with retries, records completion and
// writes one audit entry for the attempt.
//
// A denial is audited by the permission check and a new approval request by
// the approval workflow; duplicates replay the cached result without a new
// audit entry. An approved action runs under a lock keyed by its approval
// rather than the caller's idempotency key.
func (e *Executor) Execute(ctx context.Context, action Action) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "governance.Execute", map[string]string{
		"governance.action_type":   action.ActionType,
		"governance.resource_type": action.ResourceType,
		"governance.resource_id":   action.ResourceID,
		"governance.actor_id":      action.ActorID.String(),
	})
	defer func() {
		if res != nil {
			span.SetAttributes(map[string]string{"governance.status": string(res.Status)})
		}
		span.End(err)
	}()

	if err := validate(action); err != nil {
		return nil, err
	}

	decision, err := e.authorizer.Check(ctx, action.ActorID, action.Permission, action.ResourceID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Result{Status: StatusDenied, Message: decision.Reason}, services.PermissionDenied(decision.Reason)
	}

	var approvalID *uuid.UUID
	if e.approvals.RequiresApproval(action.ActionType) {
		req, err := e.gate(ctx, action)
		if err != nil {
			e.auditAttempt(ctx, e.attemptEntry(action, "", nil, nil), err)
			return nil, err
		}
		if !req.IsApproved() {
			return &Result{Status: StatusPendingApproval, Approval: req}, nil
		}
		approvalID = &req.ID
	}

	actor := action.ActorID.String()
	operationID := operationKey(action, approvalID)
	if operationID != "" {
		outcome, err := e.locks.Ensure(ctx, operationID, action.ActionType, actor)
		if err != nil {
			e.auditAttempt(ctx, e.attemptEntry(action, operationID, approvalID, nil), err)
			return nil, err
		}
		if !outcome.Proceed {
			if outcome.InProgress {
				return &Result{Status: StatusInProgress}, nil
			}
			dup := &Result{Status: StatusDuplicate, Value: outcome.Result}
			if approvalID != nil {
				dup.Message = "Approval was already used by an earlier execution"
			}
			return dup, nil
		}
	}

	run := e.retry.Run(ctx, action.Run, retry.WithName(action.ActionType))
	value, encErr := encodeValue(run)
	if encErr != nil {
		run = &retry.Result{Err: encErr, Fatal: true, Attempts: run.Attempts, Message: encErr.Error()}
	}
	entry := e.attemptEntry(action, operationID, approvalID, run)

	if operationID != "" {
		if _, err := e.locks.Complete(ctx, operationID, value, run.Success); err != nil {
			e.logger.Error("failed to record operation completion",
				zap.String("operation_id", operationID),
				zap.Error(err),
			)
			e.auditAttempt(ctx, entry, fmt.Errorf("record operation completion: %w", err))
			return nil, err
		}
	}

	if !run.Success {
		entry.Failed(run.Err)
	}
	if err := e.audit.Log(ctx, entry); err != nil {
		return nil, err
	}

	if !run.Success {
		e.logger.Warn("governed action failed",
			zap.String("action_type", action.ActionType),
			zap.String("resource_id", action.ResourceID),
			zap.Int("attempts", run.Attempts),
			zap.Error(run.Err),
		)
		return &Result{Status: StatusFailed, Value: value, Attempts: run.Attempts, Message: run.Message}, nil
	}
	return &Result{Status: StatusExecuted, Value: value, Attempts: run.Attempts}, nil
}

// gate returns the approval request governing action, creating one when the
// caller did not reference an existing request
func (e *Executor) gate(ctx context.Context, action Action) (*models.ApprovalRequest, error) {
	if action.ApprovalID == nil {
		return e.approvals.Create(ctx, models.ApprovalInput{
			ActionType:   action.ActionType,
			ResourceType: action.ResourceType,
			ResourceID:   action.ResourceID,
			Summary:      action.Summary,
			Impact:       action.Impact,
			RequesterID:  action.ActorID.String(),
			Reversible:   action.Reversible,
		})
	}

	req, err := e.approvals.Get(ctx, *action.ApprovalID)
	if err != nil {
		return nil, err
	}
	if req.ActionType != action.ActionType || req.ResourceType != action.ResourceType || req.ResourceID != action.ResourceID {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "Approval does not cover this action", nil).
			WithDetail("approval_id", req.ID.String())
	}
	expired, err := e.approvals.ExpireIfDue(ctx, req)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, services.ApprovalExpired()
	}
	switch req.Status {
	case models.ApprovalStatusApproved, models.ApprovalStatusPending:
		return req, nil
	default:
		return nil, services.ApprovalAlreadyResolved(string(req.Status))
	}
}

// auditAttempt records a governed attempt that failed outside the action
// itself. The caller returns cause, so a failed audit write is only logged.
func (e *Executor) auditAttempt(ctx context.Context, entry *models.AuditEntry, cause error) {
	if err := e.audit.Log(ctx, entry.Failed(cause)); err != nil {
		e.logger.Error("failed to audit governed action",
			zap.String("action_type", string(entry.Action)),
			zap.Error(err),
		)
	}
}

func (e *Executor) attemptEntry(action Action, operationID string, approvalID *uuid.UUID, run *retry.Result) *models.AuditEntry {
	return models.NewAuditEntry(action.ActorID.String(), models.AuditAction(action.ActionType), action.ResourceType).
		WithResource(action.ResourceID).
		WithMetadata(executionMetadata(action, operationID, approvalID, run))
}

// operationKey names the lock guarding action. Empty means no lock.
func operationKey(action Action, approvalID *uuid.UUID) string {
	if approvalID != nil {
		return ApprovalOperationPrefix + approvalID.String()
	}
	return action.IdempotencyKey
}

func validate(action Action) error {
	switch {
	case action.ActorID == uuid.Nil:
		return services.NewDomainError(services.ErrorTypeValidation, "actor is required", nil)
	case action.Permission == "":
		return services.NewDomainError(services.ErrorTypeValidation, "permission is required", nil)
	case action.ActionType == "" || action.ResourceType == "":
		return services.NewDomainError(services.ErrorTypeValidation, "action type and resource type are required", nil)
	case action.Run == nil:
		return services.NewDomainError(services.ErrorTypeValidation, "action has nothing to run", nil)
	}
	return nil
}

// encodeValue turns the operation's return value into the stored result.
// Failed runs store the error message.
func encodeValue(run *retry.Result) (json.RawMessage, error) {
	if !run.Success {
		msg := run.Message
		if run.Err != nil {
			msg = run.Err.Error()
		}
		return json.Marshal(map[string]string{"error": msg})
	}
	switch v := run.Value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("action returned invalid JSON")
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode action result: %w", err)
		}
		return data, nil
	}
}

func executionMetadata(action Action, operationID string, approvalID *uuid.UUID, run *retry.Result) map[string]interface{} {
	meta := map[string]interface{}{}
	if run != nil {
		meta["attempts"] = run.Attempts
		if run.Fatal {
			meta["fatal"] = true
		}
	}
	if operationID != "" {
		meta["operation_id"] = operationID
	}
	if action.IdempotencyKey != "" && action.IdempotencyKey != operationID {
		meta["idempotency_key"] = action.IdempotencyKey
	}
	if approvalID != nil {
		meta["approval_id"] = approvalID.String()
	}
	return meta
}
