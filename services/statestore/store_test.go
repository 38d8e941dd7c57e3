package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/repositories/memory"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	mem := memory.NewStore()
	repos := mem.Repositories()
	auditLogger := audit.NewLogger(repos.AuditLogs, zap.NewNop(), audit.DefaultConfig())
	return NewStore(repos.States, auditLogger, mem.TransactionManager(), zap.NewNop()), mem
}

func TestStore_SaveAndGet(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, "feature_flags", json.RawMessage(`{"beta":false}`), "user-1", "initial")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.Empty(t, first.PreviousValue)

	second, err := store.Save(ctx, "feature_flags", json.RawMessage(`{"beta":true}`), "user-2", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.JSONEq(t, `{"beta":false}`, string(second.PreviousValue))
	assert.Equal(t, "user-2", second.ChangedBy)
	assert.Nil(t, second.ChangeReason)

	got, err := store.Get(ctx, "feature_flags")
	require.NoError(t, err)
	assert.JSONEq(t, `{"beta":true}`, string(got.Value))
	assert.Equal(t, int64(2), got.Version)

	entries := mem.AuditEntries()
	require.Len(t, entries, 2)
	for i, e := range entries {
		assert.Equal(t, models.AuditActionSaveState, e.Action)
		assert.Equal(t, ResourceType, e.ResourceType)
		assert.Equal(t, "feature_flags", e.ResourceID)
		assert.JSONEq(t, fmt.Sprintf(`{"version":%d}`, i+1), string(e.Changes))
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, services.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "State not found")
}

func TestStore_Save_Validation(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value json.RawMessage
	}{
		{"empty key", "", json.RawMessage(`1`)},
		{"empty value", "k", nil},
		{"invalid json", "k", json.RawMessage(`{oops`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Save(ctx, tt.key, tt.value, "user-1", "")
			assert.True(t, services.IsValidationError(err))
		})
	}
	assert.Empty(t, mem.AuditEntries())
}

func TestStore_Rollback(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "limits", json.RawMessage(`{"max":10}`), "user-1", "")
	require.NoError(t, err)
	_, err = store.Save(ctx, "limits", json.RawMessage(`{"max":20}`), "user-1", "")
	require.NoError(t, err)

	rolled, err := store.Rollback(ctx, "limits", "user-2", "bad value")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rolled.Version)
	assert.JSONEq(t, `{"max":10}`, string(rolled.Value))
	assert.JSONEq(t, `{"max":20}`, string(rolled.PreviousValue))
	assert.True(t, rolled.IsRollback)
	require.NotNil(t, rolled.RolledBackFromVersion)
	assert.Equal(t, int64(2), *rolled.RolledBackFromVersion)

	entries := mem.AuditEntries()
	last := entries[len(entries)-1]
	assert.Equal(t, models.AuditActionRollbackState, last.Action)
	assert.JSONEq(t, `{"rolled_back_from":2,"to_version":3}`, string(last.Changes))
	require.NotNil(t, last.Reason)
	assert.Equal(t, "bad value", *last.Reason)

	// a second rollback swaps back
	again, err := store.Rollback(ctx, "limits", "user-2", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), again.Version)
	assert.JSONEq(t, `{"max":20}`, string(again.Value))
}

func TestStore_Rollback_Errors(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	_, err := store.Rollback(ctx, "missing", "user-1", "")
	assert.True(t, services.IsNotFoundError(err))

	_, err = store.Save(ctx, "single", json.RawMessage(`"v1"`), "user-1", "")
	require.NoError(t, err)

	_, err = store.Rollback(ctx, "single", "user-1", "")
	require.Error(t, err)
	assert.True(t, services.IsStateConflictError(err))
	assert.Contains(t, err.Error(), "No previous version to rollback to")

	got, err := store.Get(ctx, "single")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "a failed rollback leaves state untouched")

	var outcomes []models.AuditOutcome
	for _, e := range mem.AuditEntries() {
		if e.Action == models.AuditActionRollbackState {
			outcomes = append(outcomes, e.Outcome)
		}
	}
	assert.Equal(t, []models.AuditOutcome{models.AuditOutcomeFailure, models.AuditOutcomeFailure}, outcomes)
}

// racingRepo lets another writer slip in before the first n updates
type racingRepo struct {
	repositories.StateRepository
	mu     sync.Mutex
	losses int
}

func (r *racingRepo) Update(ctx context.Context, state *models.VersionedState, expected int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.losses > 0 {
		r.losses--
		return false, nil
	}
	return r.StateRepository.Update(ctx, state, expected)
}

func TestStore_Save_RetriesLostVersionRace(t *testing.T) {
	mem := memory.NewStore()
	repos := mem.Repositories()
	repo := &racingRepo{StateRepository: repos.States}
	auditLogger := audit.NewLogger(repos.AuditLogs, zap.NewNop(), audit.DefaultConfig())
	store := NewStore(repo, auditLogger, mem.TransactionManager(), zap.NewNop())
	ctx := context.Background()

	_, err := store.Save(ctx, "k", json.RawMessage(`1`), "u", "")
	require.NoError(t, err)

	repo.losses = 2
	state, err := store.Save(ctx, "k", json.RawMessage(`2`), "u", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)

	repo.losses = DefaultMaxAttempts
	_, err = store.Save(ctx, "k", json.RawMessage(`3`), "u", "")
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
}

type failingRepo struct {
	repositories.StateRepository
}

func (failingRepo) Get(ctx context.Context, key string) (*models.VersionedState, error) {
	return nil, errors.New("connection refused")
}

func TestStore_StorageFailureIsTransient(t *testing.T) {
	mem := memory.NewStore()
	repos := mem.Repositories()
	auditLogger := audit.NewLogger(repos.AuditLogs, zap.NewNop(), audit.DefaultConfig())
	store := NewStore(failingRepo{repos.States}, auditLogger, mem.TransactionManager(), zap.NewNop())

	_, err := store.Save(context.Background(), "k", json.RawMessage(`1`), "u", "")
	assert.True(t, services.IsTransientError(err))

	entries := mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, entries[0].Outcome)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.Save(ctx, "counter", json.RawMessage(`0`), "u", "")
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(ctx, "counter", json.RawMessage(`1`), "u", "")
			if err != nil {
				assert.True(t, services.IsConflictError(err), "unexpected error: %v", err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1+succeeded), got.Version, "every successful save is exactly one version")
}
