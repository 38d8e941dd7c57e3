package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionPermissionCheck       AuditAction = "permission_check"
	AuditActionUpdateRole            AuditAction = "update_role"
	AuditActionCreateUser            AuditAction = "create_user"
	AuditActionCreateApprovalRequest AuditAction = "create_approval_request"
	AuditActionApprove               AuditAction = "approve"
	AuditActionReject                AuditAction = "reject"
	AuditActionProcessApproval       AuditAction = "process_approval"
	AuditActionExpireApprovals       AuditAction = "expire_approvals"
	AuditActionCompleteOperation     AuditAction = "complete_operation"
	AuditActionReclaimOperations     AuditAction = "reclaim_operations"
	AuditActionSaveState             AuditAction = "save_state"
	AuditActionRollbackState         AuditAction = "rollback_state"
)

// AuditOutcome records how a governed action ended
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeDenied  AuditOutcome = "denied"
)

// SystemActor is the actor recorded for actions taken by the service itself
const SystemActor = "system"

// AuditEntry is one immutable audit trail record
type AuditEntry struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	ActorID      string          `json:"actor_id" db:"actor_id"`
	ActorName    *string         `json:"actor_name,omitempty" db:"actor_name"`
	ActorRole    *string         `json:"actor_role,omitempty" db:"actor_role"`
	Action       AuditAction     `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"` // permission, user, approval_request, system_state, ...
	ResourceID   string          `json:"resource_id,omitempty" db:"resource_id"`
	Changes      json.RawMessage `json:"changes,omitempty" db:"changes"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Reason       *string         `json:"reason,omitempty" db:"reason"`
	Outcome      AuditOutcome    `json:"outcome" db:"outcome"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	RequestID    *string         `json:"request_id,omitempty" db:"request_id"`
	IPAddress    *string         `json:"ip_address,omitempty" db:"ip_address"`
}

// TableName returns the table name for the AuditEntry model
func (AuditEntry) TableName() string {
	return "audit_logs"
}

// NewAuditEntry creates a successful entry; use the With* builders to refine it
func NewAuditEntry(actorID string, action AuditAction, resourceType string) *AuditEntry {
	if actorID == "" {
		actorID = SystemActor
	}
	return &AuditEntry{
		ID:           uuid.New(),
		Timestamp:    time.Now().UTC(),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		Outcome:      AuditOutcomeSuccess,
	}
}

// WithActor sets the actor's display name and role
func (a *AuditEntry) WithActor(name string, role Role) *AuditEntry {
	if name != "" {
		a.ActorName = &name
	}
	if role != "" {
		r := string(role)
		a.ActorRole = &r
	}
	return a
}

// WithResource sets the resource ID
func (a *AuditEntry) WithResource(resourceID string) *AuditEntry {
	a.ResourceID = resourceID
	return a
}

// WithChanges sets the before/after diff
func (a *AuditEntry) WithChanges(changes interface{}) *AuditEntry {
	if data, err := json.Marshal(changes); err == nil {
		a.Changes = data
	}
	return a
}

// WithMetadata sets free-form metadata
func (a *AuditEntry) WithMetadata(metadata interface{}) *AuditEntry {
	if data, err := json.Marshal(metadata); err == nil {
		a.Metadata = data
	}
	return a
}

// WithReason sets the reason given for the action
func (a *AuditEntry) WithReason(reason string) *AuditEntry {
	if reason != "" {
		a.Reason = &reason
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditEntry) WithRequest(requestID, ipAddress string) *AuditEntry {
	if requestID != "" {
		a.RequestID = &requestID
	}
	if ipAddress != "" {
		a.IPAddress = &ipAddress
	}
	return a
}

// Denied marks the entry as a denial with the given reason
func (a *AuditEntry) Denied(reason string) *AuditEntry {
	a.Outcome = AuditOutcomeDenied
	return a.WithReason(reason)
}

// Failed marks the entry as a failure and records the error message
func (a *AuditEntry) Failed(err error) *AuditEntry {
	a.Outcome = AuditOutcomeFailure
	if err != nil {
		msg := err.Error()
		a.ErrorMessage = &msg
	}
	return a
}
