package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories/memory"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/approval"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/idempotency"
	"github.com/upb/governance-core/services/permission"
	"github.com/upb/governance-core/services/retry"
	"go.uber.org/zap"
)

type fixture struct {
	store       *memory.Store
	executor    *Executor
	engine      *approval.Engine
	manager     *idempotency.Manager
	admin       *models.Principal
	contributor *models.Principal
	viewer      *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	logger := zap.NewNop()
	auditLogger := audit.NewLogger(repos.AuditLogs, logger, audit.DefaultConfig())
	resolver := permission.NewResolver(repos.Principals, nil, auditLogger, store.TransactionManager(), logger)
	engine := approval.NewEngine(repos.Approvals, resolver, auditLogger, store.TransactionManager(), logger, 0)
	manager := idempotency.NewManager(repos.OperationLocks, auditLogger, logger, 0)
	retryExec := retry.NewExecutor(retry.Config{MaxRetries: 3, Base: 2, Unit: time.Millisecond}, nil, logger)

	f := &fixture{
		store:    store,
		executor: NewExecutor(resolver, engine, manager, retryExec, auditLogger, logger),
		engine:   engine,
		manager:  manager,
	}
	ctx := context.Background()
	f.admin = models.NewPrincipal("admin@example.com", "Ada", models.RoleAdmin)
	f.contributor = models.NewPrincipal("contrib@example.com", "Cal", models.RoleContributor)
	f.viewer = models.NewPrincipal("viewer@example.com", "Vic", models.RoleViewer)
	for _, p := range []*models.Principal{f.admin, f.contributor, f.viewer} {
		require.NoError(t, repos.Principals.Create(ctx, p))
	}
	return f
}

func (f *fixture) entries(action models.AuditAction) []*models.AuditEntry {
	var out []*models.AuditEntry
	for _, e := range f.store.AuditEntries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func createTask(actor uuid.UUID, run retry.Operation) Action {
	return Action{
		ActorID:        actor,
		Permission:     "create:task",
		ActionType:     "create_task",
		ResourceType:   "task",
		ResourceID:     "task-1",
		IdempotencyKey: "create-task-1",
		Run:            run,
	}
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)

	res, err := f.executor.Execute(context.Background(), createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		return map[string]string{"id": "task-1"}, nil
	}))

	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.JSONEq(t, `{"id":"task-1"}`, string(res.Value))
	assert.Equal(t, 1, res.Attempts)

	lock, err := f.manager.Get(context.Background(), "create-task-1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusCompleted, lock.Status)

	assert.Len(t, f.store.AuditEntries(), 1)
	entries := f.entries("create_task")
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditOutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, f.contributor.ID.String(), entries[0].ActorID)
}

func TestExecute_DuplicateReplaysResult(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	action := createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		runs.Add(1)
		return map[string]int{"n": 1}, nil
	})

	_, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.JSONEq(t, `{"n":1}`, string(res.Value))
	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, f.store.AuditEntries(), 1)
}

func TestExecute_ConcurrentCallsRunOnce(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	release := make(chan struct{})
	action := createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		runs.Add(1)
		<-release
		return "done", nil
	})

	var wg sync.WaitGroup
	statuses := make(chan Status, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.executor.Execute(context.Background(), action)
			if err == nil {
				statuses <- res.Status
			}
		}()
	}

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(statuses)

	counts := map[Status]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1, counts[StatusExecuted])
	assert.Equal(t, 4, counts[StatusInProgress]+counts[StatusDuplicate])
}

func TestExecute_Denied(t *testing.T) {
	f := newFixture(t)
	ran := false

	res, err := f.executor.Execute(context.Background(), createTask(f.viewer.ID, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}))

	require.Error(t, err)
	assert.True(t, services.IsForbiddenError(err))
	assert.Equal(t, StatusDenied, res.Status)
	assert.False(t, ran)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionPermissionCheck, entries[0].Action)
	assert.Equal(t, models.AuditOutcomeDenied, entries[0].Outcome)
}

func TestExecute_FailureIsAuditedAndLockFailed(t *testing.T) {
	f := newFixture(t)
	calls := 0

	res, err := f.executor.Execute(context.Background(), createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("upstream timeout")
	}))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, retry.MessageMaxRetries, res.Message)
	assert.Equal(t, 3, calls)

	lock, err := f.manager.Get(context.Background(), "create-task-1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusFailed, lock.Status)

	entries := f.entries("create_task")
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, entries[0].Outcome)
	require.NotNil(t, entries[0].ErrorMessage)
	assert.Equal(t, "upstream timeout", *entries[0].ErrorMessage)
}

func TestExecute_FailedLockIsRetried(t *testing.T) {
	f := newFixture(t)
	fail := true
	action := createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		if fail {
			return nil, services.ErrForbidden
		}
		return "ok", nil
	})

	res, err := f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)

	fail = false
	res, err = f.executor.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
}

func TestExecute_SensitiveActionNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var runs int
	action := Action{
		ActorID:        f.admin.ID,
		Permission:     "delete:project",
		ActionType:     models.ActionDeleteData,
		ResourceType:   "project",
		ResourceID:     "proj-9",
		Summary:        "Delete project 9",
		IdempotencyKey: "delete-proj-9",
		Run: func(ctx context.Context) (any, error) {
			runs++
			return json.RawMessage(`{"deleted":true}`), nil
		},
	}

	res, err := f.executor.Execute(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	require.NotNil(t, res.Approval)
	assert.Equal(t, 0, runs)
	assert.Len(t, f.entries(models.AuditActionCreateApprovalRequest), 1)

	approvalID := res.Approval.ID
	action.ApprovalID = &approvalID

	res, err = f.executor.Execute(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, 0, runs)

	_, err = f.engine.Process(ctx, approvalID, f.admin.ID, true, "ok")
	require.NoError(t, err)

	res, err = f.executor.Execute(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.JSONEq(t, `{"deleted":true}`, string(res.Value))
	assert.Equal(t, 1, runs)

	entries := f.entries(models.AuditAction(models.ActionDeleteData))
	require.Len(t, entries, 1)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(entries[0].Metadata, &meta))
	assert.Equal(t, approvalID.String(), meta["approval_id"])
	assert.Equal(t, ApprovalOperationPrefix+approvalID.String(), meta["operation_id"])
	assert.Equal(t, "delete-proj-9", meta["idempotency_key"])
}

func approvedDeletion(t *testing.T, f *fixture, runs *int) Action {
	t.Helper()
	ctx := context.Background()
	req, err := f.engine.Create(ctx, models.ApprovalInput{
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-3",
		Summary:      "Delete project 3",
		RequesterID:  f.admin.ID.String(),
	})
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, req.ID, f.admin.ID, true, "ok")
	require.NoError(t, err)

	return Action{
		ActorID:      f.admin.ID,
		Permission:   "delete:project",
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-3",
		ApprovalID:   &req.ID,
		Run: func(ctx context.Context) (any, error) {
			*runs++
			return map[string]bool{"deleted": true}, nil
		},
	}
}

func TestExecute_ApprovalAuthorizesOneExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var runs int
	action := approvedDeletion(t, f, &runs)

	action.IdempotencyKey = "k1"
	res, err := f.executor.Execute(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)

	for _, key := range []string{"k2", ""} {
		action.IdempotencyKey = key
		res, err := f.executor.Execute(ctx, action)
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, res.Status, "key %q", key)
		assert.JSONEq(t, `{"deleted":true}`, string(res.Value))
		assert.NotEmpty(t, res.Message)
	}

	assert.Equal(t, 1, runs)
	assert.Len(t, f.entries(models.AuditAction(models.ActionDeleteData)), 1)

	lock, err := f.manager.Get(ctx, ApprovalOperationPrefix+action.ApprovalID.String())
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusCompleted, lock.Status)
}

func TestExecute_ExpiredApprovalIsExpiredOnAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ran := false

	req, err := f.engine.Create(ctx, models.ApprovalInput{
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-4",
		Summary:      "Delete project 4",
		RequesterID:  f.admin.ID.String(),
		TTL:          time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := f.executor.Execute(ctx, Action{
		ActorID:      f.admin.ID,
		Permission:   "delete:project",
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-4",
		ApprovalID:   &req.ID,
		Run: func(ctx context.Context) (any, error) {
			ran = true
			return nil, nil
		},
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, services.IsExpiredError(err))
	assert.False(t, ran)

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, stored.Status)

	entries := f.entries(models.AuditAction(models.ActionDeleteData))
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, entries[0].Outcome)
}

type brokenLocks struct {
	Locks
	completeErr error
}

func (l *brokenLocks) Complete(ctx context.Context, operationID string, result json.RawMessage, success bool) (*models.OperationLock, error) {
	return nil, l.completeErr
}

func TestExecute_CompletionFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	f.executor.locks = &brokenLocks{Locks: f.manager, completeErr: errors.New("db down")}
	runs := 0

	res, err := f.executor.Execute(context.Background(), createTask(f.contributor.ID, func(ctx context.Context) (any, error) {
		runs++
		return "ok", nil
	}))

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, runs)

	entries := f.entries("create_task")
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, entries[0].Outcome)
	require.NotNil(t, entries[0].ErrorMessage)
	assert.Equal(t, "record operation completion: db down", *entries[0].ErrorMessage)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(entries[0].Metadata, &meta))
	assert.Equal(t, "create-task-1", meta["operation_id"])
	assert.EqualValues(t, 1, meta["attempts"])
}

func TestExecute_ApprovalMismatchAndRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.Create(ctx, models.ApprovalInput{
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-1",
		Summary:      "Delete project 1",
		RequesterID:  f.admin.ID.String(),
	})
	require.NoError(t, err)

	action := Action{
		ActorID:      f.admin.ID,
		Permission:   "delete:project",
		ActionType:   models.ActionDeleteData,
		ResourceType: "project",
		ResourceID:   "proj-2",
		ApprovalID:   &req.ID,
		Run:          func(ctx context.Context) (any, error) { return nil, nil },
	}

	_, err = f.executor.Execute(ctx, action)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	action.ResourceID = "proj-1"
	_, err = f.engine.Process(ctx, req.ID, f.admin.ID, false, "no")
	require.NoError(t, err)

	_, err = f.executor.Execute(ctx, action)
	require.Error(t, err)
	assert.True(t, services.IsStateConflictError(err))
	assert.Equal(t, "rejected", services.GetErrorDetails(err)["status"])
}

func TestExecute_Validation(t *testing.T) {
	f := newFixture(t)
	run := func(ctx context.Context) (any, error) { return nil, nil }

	tests := []struct {
		name   string
		action Action
	}{
		{name: "no actor", action: Action{Permission: "create:task", ActionType: "x", ResourceType: "task", Run: run}},
		{name: "no permission", action: Action{ActorID: f.admin.ID, ActionType: "x", ResourceType: "task", Run: run}},
		{name: "no action type", action: Action{ActorID: f.admin.ID, Permission: "create:task", ResourceType: "task", Run: run}},
		{name: "no run", action: Action{ActorID: f.admin.ID, Permission: "create:task", ActionType: "x", ResourceType: "task"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.executor.Execute(context.Background(), tt.action)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
		})
	}
	assert.Empty(t, f.store.AuditEntries())
}
