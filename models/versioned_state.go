package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoPreviousValue is returned when a rollback has nothing to restore
var ErrNoPreviousValue = errors.New("no previous version to rollback to")

// VersionedState is a keyed configuration value with one level of undo.
// Version starts at 1 and increases on every save and rollback.
type VersionedState struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	Key                   string          `json:"key" db:"key"`
	Value                 json.RawMessage `json:"value" db:"value"`
	PreviousValue         json.RawMessage `json:"previous_value,omitempty" db:"previous_value"`
	Version               int64           `json:"version" db:"version"`
	IsRollback            bool            `json:"is_rollback" db:"is_rollback"`
	RolledBackFromVersion *int64          `json:"rolled_back_from_version,omitempty" db:"rolled_back_from_version"`
	ChangedBy             string          `json:"changed_by" db:"changed_by"`
	ChangeReason          *string         `json:"change_reason,omitempty" db:"change_reason"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the VersionedState model
func (VersionedState) TableName() string {
	return "system_state"
}

// NewVersionedState creates the first version of a key
func NewVersionedState(key string, value json.RawMessage, changedBy string, reason *string, now time.Time) *VersionedState {
	return &VersionedState{
		ID:           uuid.New(),
		Key:          key,
		Value:        value,
		Version:      1,
		ChangedBy:    changedBy,
		ChangeReason: reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasPrevious reports whether a rollback is possible
func (s *VersionedState) HasPrevious() bool {
	return len(s.PreviousValue) > 0
}

// Save moves the current value into PreviousValue and installs value as a new version
func (s *VersionedState) Save(value json.RawMessage, changedBy string, reason *string, now time.Time) {
	s.PreviousValue = s.Value
	s.Value = value
	s.Version++
	s.IsRollback = false
	s.RolledBackFromVersion = nil
	s.ChangedBy = changedBy
	s.ChangeReason = reason
	s.UpdatedAt = now
}

// Rollback swaps the current and previous values, recording the swap as a new version
func (s *VersionedState) Rollback(changedBy string, reason *string, now time.Time) error {
	if !s.HasPrevious() {
		return ErrNoPreviousValue
	}
	from := s.Version
	s.Value, s.PreviousValue = s.PreviousValue, s.Value
	s.Version++
	s.IsRollback = true
	s.RolledBackFromVersion = &from
	s.ChangedBy = changedBy
	s.ChangeReason = reason
	s.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (s *VersionedState) Clone() *VersionedState {
	out := *s
	out.Value = append(json.RawMessage(nil), s.Value...)
	if s.PreviousValue != nil {
		out.PreviousValue = append(json.RawMessage(nil), s.PreviousValue...)
	}
	if s.RolledBackFromVersion != nil {
		v := *s.RolledBackFromVersion
		out.RolledBackFromVersion = &v
	}
	return &out
}
