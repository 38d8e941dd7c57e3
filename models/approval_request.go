package models

import (
	"time"

	"github.com/google/uuid"
)

// Sensitivity classifies how risky an action type is
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Well-known action types
const (
	ActionDeleteData                = "delete_data"
	ActionSendExternalCommunication = "send_external_communication"
	ActionHireDecision              = "hire_decision"
	ActionRejectCandidate           = "reject_candidate"
	ActionPermissionChange          = "permission_change"
	ActionBulkUpdate                = "bulk_update"
	ActionExportData                = "export_data"
	ActionSystemConfigChange        = "system_config_change"
)

// sensitiveActions maps action types that require approval to their sensitivity
var sensitiveActions = map[string]Sensitivity{
	ActionDeleteData:                SensitivityCritical,
	ActionSendExternalCommunication: SensitivityHigh,
	ActionHireDecision:              SensitivityCritical,
	ActionRejectCandidate:           SensitivityHigh,
	ActionPermissionChange:          SensitivityCritical,
	ActionBulkUpdate:                SensitivityHigh,
	ActionExportData:                SensitivityMedium,
	ActionSystemConfigChange:        SensitivityCritical,
}

// SensitivityFor returns the sensitivity of an action type. Unlisted types are medium.
func SensitivityFor(actionType string) Sensitivity {
	if s, ok := sensitiveActions[actionType]; ok {
		return s
	}
	return SensitivityMedium
}

// IsSensitiveAction reports whether the action type must pass the approval workflow
func IsSensitiveAction(actionType string) bool {
	_, ok := sensitiveActions[actionType]
	return ok
}

// ApprovalStatus represents the lifecycle state of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// DefaultApprovalTTL is how long a request stays open when no TTL is given
const DefaultApprovalTTL = 48 * time.Hour

// ApprovalInput carries the caller-supplied fields of a new approval request
type ApprovalInput struct {
	ActionType   string
	ResourceType string
	ResourceID   string
	Summary      string
	Impact       string
	RequesterID  string
	Reversible   bool
	TTL          time.Duration
}

// ApprovalRequest gates a sensitive action behind a human decision.
// Once Status leaves pending the record is terminal.
type ApprovalRequest struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	ActionType       string         `json:"action_type" db:"action_type"`
	Sensitivity      Sensitivity    `json:"sensitivity" db:"sensitivity"`
	ResourceType     string         `json:"resource_type" db:"resource_type"`
	ResourceID       string         `json:"resource_id" db:"resource_id"`
	ActionSummary    string         `json:"action_summary" db:"action_summary"`
	ImpactSummary    *string        `json:"impact_summary,omitempty" db:"impact_summary"`
	RequesterID      string         `json:"requester_id" db:"requester_id"`
	IsReversible     bool           `json:"is_reversible" db:"is_reversible"`
	Status           ApprovalStatus `json:"status" db:"status"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at" db:"expires_at"`
	ResolvedBy       *string        `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionReason *string        `json:"resolution_reason,omitempty" db:"resolution_reason"`
}

// TableName returns the table name for the ApprovalRequest model
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// NewApprovalRequest builds a pending request from input, deriving sensitivity and expiry
func NewApprovalRequest(in ApprovalInput, now time.Time) *ApprovalRequest {
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	req := &ApprovalRequest{
		ID:            uuid.New(),
		ActionType:    in.ActionType,
		Sensitivity:   SensitivityFor(in.ActionType),
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		ActionSummary: in.Summary,
		RequesterID:   in.RequesterID,
		IsReversible:  in.Reversible,
		Status:        ApprovalStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if in.Impact != "" {
		impact := in.Impact
		req.ImpactSummary = &impact
	}
	return req
}

// IsPending returns true while the request awaits a decision
func (a *ApprovalRequest) IsPending() bool {
	return a.Status == ApprovalStatusPending
}

// IsApproved reports whether the request was approved
func (a *ApprovalRequest) IsApproved() bool {
	return a.Status == ApprovalStatusApproved
}

// IsExpiredAt reports whether the request's deadline has passed at the given time
func (a *ApprovalRequest) IsExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Resolve records a decision on the request. Callers must check IsPending first.
func (a *ApprovalRequest) Resolve(approved bool, resolver, reason string, at time.Time) {
	if approved {
		a.Status = ApprovalStatusApproved
	} else {
		a.Status = ApprovalStatusRejected
	}
	a.ResolvedBy = &resolver
	a.ResolvedAt = &at
	a.ResolutionReason = &reason
}
