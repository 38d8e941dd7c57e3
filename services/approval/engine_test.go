package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/repositories/memory"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/permission"
	"go.uber.org/zap"
)

type engineFixture struct {
	store    *memory.Store
	engine   *Engine
	resolver *permission.Resolver
	clock    time.Time
	admin    *models.Principal
	manager  *models.Principal
	viewer   *models.Principal
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	auditLogger := audit.NewLogger(repos.AuditLogs, zap.NewNop(), audit.DefaultConfig())
	resolver := permission.NewResolver(repos.Principals, nil, auditLogger, store.TransactionManager(), zap.NewNop())
	engine := NewEngine(repos.Approvals, resolver, auditLogger, store.TransactionManager(), zap.NewNop(), 0)
	resolver.SetApprovalGateway(engine)

	f := &engineFixture{
		store:    store,
		engine:   engine,
		resolver: resolver,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	engine.now = func() time.Time { return f.clock }

	ctx := context.Background()
	f.admin = models.NewPrincipal("admin@example.com", "Ada", models.RoleAdmin)
	f.manager = models.NewPrincipal("manager@example.com", "Mia", models.RoleManager)
	f.viewer = models.NewPrincipal("viewer@example.com", "Vic", models.RoleViewer)
	for _, p := range []*models.Principal{f.admin, f.manager, f.viewer} {
		require.NoError(t, repos.Principals.Create(ctx, p))
	}
	return f
}

func (f *engineFixture) create(t *testing.T, actionType string) *models.ApprovalRequest {
	t.Helper()
	req, err := f.engine.Create(context.Background(), models.ApprovalInput{
		ActionType:   actionType,
		ResourceType: "candidate",
		ResourceID:   "cand-1",
		Summary:      "Do the thing",
		RequesterID:  f.manager.ID.String(),
	})
	require.NoError(t, err)
	return req
}

func (f *engineFixture) auditActions() []models.AuditAction {
	var out []models.AuditAction
	for _, e := range f.store.AuditEntries() {
		out = append(out, e.Action)
	}
	return out
}

func TestEngine_Create(t *testing.T) {
	tests := []struct {
		actionType  string
		sensitivity models.Sensitivity
	}{
		{models.ActionDeleteData, models.SensitivityCritical},
		{models.ActionHireDecision, models.SensitivityCritical},
		{models.ActionSendExternalCommunication, models.SensitivityHigh},
		{models.ActionBulkUpdate, models.SensitivityHigh},
		{models.ActionExportData, models.SensitivityMedium},
		{"rename_project", models.SensitivityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.actionType, func(t *testing.T) {
			f := newEngineFixture(t)
			req := f.create(t, tt.actionType)

			assert.Equal(t, models.ApprovalStatusPending, req.Status)
			assert.Equal(t, tt.sensitivity, req.Sensitivity)
			assert.Equal(t, f.clock.Add(48*time.Hour), req.ExpiresAt)

			entries := f.store.AuditEntries()
			require.Len(t, entries, 1)
			assert.Equal(t, models.AuditActionCreateApprovalRequest, entries[0].Action)
			assert.JSONEq(t,
				`{"action_type":"`+tt.actionType+`","sensitivity":"`+string(tt.sensitivity)+`"}`,
				string(entries[0].Metadata))
		})
	}
}

func TestEngine_Create_CustomTTLAndValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	req, err := f.engine.Create(ctx, models.ApprovalInput{
		ActionType: models.ActionExportData, ResourceType: "report", RequesterID: "u1", TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Add(time.Hour), req.ExpiresAt)

	_, err = f.engine.Create(ctx, models.ApprovalInput{ResourceType: "report", RequesterID: "u1"})
	assert.True(t, services.IsValidationError(err))
}

func TestEngine_Process_Approve(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := f.create(t, models.ActionHireDecision)

	resolved, err := f.engine.Process(ctx, req.ID, f.admin.ID, true, "strong candidate")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, f.admin.ID.String(), *resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, f.clock, *resolved.ResolvedAt)

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, stored.Status)

	assert.Equal(t, []models.AuditAction{models.AuditActionCreateApprovalRequest, models.AuditActionApprove}, f.auditActions())
	last := f.store.AuditEntries()[1]
	assert.Equal(t, ResourceType, last.ResourceType)
	assert.Equal(t, req.ID.String(), last.ResourceID)
}

func TestEngine_Process_Reject(t *testing.T) {
	f := newEngineFixture(t)
	req := f.create(t, models.ActionHireDecision)

	resolved, err := f.engine.Process(context.Background(), req.ID, f.admin.ID, false, "not now")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, resolved.Status)
	assert.Equal(t, models.AuditActionReject, f.auditActions()[1])
}

func TestEngine_Process_AlreadyResolved(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := f.create(t, models.ActionDeleteData)

	_, err := f.engine.Process(ctx, req.ID, f.admin.ID, true, "")
	require.NoError(t, err)

	_, err = f.engine.Process(ctx, req.ID, f.admin.ID, false, "changed my mind")
	require.Error(t, err)
	assert.True(t, services.IsStateConflictError(err))
	assert.Contains(t, err.Error(), "Approval already approved")
	assert.Equal(t, "approved", services.GetErrorDetails(err)["status"])

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, stored.Status)

	entries := f.store.AuditEntries()
	last := entries[len(entries)-1]
	assert.Equal(t, models.AuditActionProcessApproval, last.Action)
	assert.Equal(t, models.AuditOutcomeFailure, last.Outcome)
}

func TestEngine_Process_Expired(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := f.create(t, models.ActionDeleteData)

	f.clock = f.clock.Add(49 * time.Hour)

	_, err := f.engine.Process(ctx, req.ID, f.admin.ID, true, "")
	require.Error(t, err)
	assert.True(t, services.IsExpiredError(err))
	assert.Contains(t, err.Error(), "Approval request has expired")

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, stored.Status)

	_, err = f.engine.Process(ctx, req.ID, f.admin.ID, true, "")
	assert.True(t, services.IsStateConflictError(err))
	assert.Contains(t, err.Error(), "Approval already expired")
}

func TestEngine_Process_NotAuthorized(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := f.create(t, models.ActionHireDecision)

	_, err := f.engine.Process(ctx, req.ID, f.manager.ID, true, "")
	require.Error(t, err)
	assert.True(t, services.IsForbiddenError(err))
	assert.Contains(t, err.Error(), "Not authorized to approve this action")

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, stored.Status)

	// one denial entry, written by the permission check
	entries := f.store.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionPermissionCheck, entries[1].Action)
	assert.Equal(t, "approve:hire_decision", entries[1].ResourceID)
	assert.Equal(t, models.AuditOutcomeDenied, entries[1].Outcome)
}

func TestEngine_Process_ManagerMayApproveLeave(t *testing.T) {
	f := newEngineFixture(t)
	req := f.create(t, "leave")

	resolved, err := f.engine.Process(context.Background(), req.ID, f.manager.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, resolved.Status)
}

func TestEngine_Process_NotFound(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Process(context.Background(), uuid.New(), f.admin.ID, true, "")
	assert.True(t, services.IsNotFoundError(err))
	assert.Equal(t, []models.AuditAction{models.AuditActionProcessApproval}, f.auditActions())
}

type brokenApprovals struct {
	repositories.ApprovalRepository
	resolveErr error
	expireErr  error
}

func (r *brokenApprovals) Resolve(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	if r.resolveErr != nil {
		return false, r.resolveErr
	}
	return r.ApprovalRepository.Resolve(ctx, req)
}

func (r *brokenApprovals) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	if r.expireErr != nil {
		return false, r.expireErr
	}
	return r.ApprovalRepository.MarkExpired(ctx, id)
}

func TestEngine_Process_StorageFailuresAreAudited(t *testing.T) {
	tests := []struct {
		name    string
		repo    func(base repositories.ApprovalRepository) repositories.ApprovalRepository
		advance time.Duration
		message string
	}{
		{
			name: "resolve fails",
			repo: func(base repositories.ApprovalRepository) repositories.ApprovalRepository {
				return &brokenApprovals{ApprovalRepository: base, resolveErr: errors.New("connection reset")}
			},
			message: "failed to resolve approval request",
		},
		{
			name: "expire fails",
			repo: func(base repositories.ApprovalRepository) repositories.ApprovalRepository {
				return &brokenApprovals{ApprovalRepository: base, expireErr: errors.New("connection reset")}
			},
			advance: 49 * time.Hour,
			message: "failed to expire approval request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			req := f.create(t, models.ActionDeleteData)
			f.engine.repo = tt.repo(f.engine.repo)
			f.clock = f.clock.Add(tt.advance)

			_, err := f.engine.Process(context.Background(), req.ID, f.admin.ID, true, "")
			require.Error(t, err)
			assert.True(t, services.IsTransientError(err))

			assert.Equal(t, []models.AuditAction{models.AuditActionCreateApprovalRequest, models.AuditActionProcessApproval}, f.auditActions())
			last := f.store.AuditEntries()[1]
			assert.Equal(t, models.AuditOutcomeFailure, last.Outcome)
			assert.Equal(t, req.ID.String(), last.ResourceID)
			require.NotNil(t, last.ErrorMessage)
			assert.Contains(t, *last.ErrorMessage, tt.message)
		})
	}
}

func TestEngine_ExpireIfDue(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := f.create(t, models.ActionDeleteData)

	expired, err := f.engine.ExpireIfDue(ctx, req)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, models.ApprovalStatusPending, req.Status)

	f.clock = f.clock.Add(49 * time.Hour)
	expired, err = f.engine.ExpireIfDue(ctx, req)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, models.ApprovalStatusExpired, req.Status)

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, stored.Status)
}

func TestEngine_Process_ConcurrentDecisions(t *testing.T) {
	f := newEngineFixture(t)
	req := f.create(t, models.ActionDeleteData)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			_, err := f.engine.Process(context.Background(), req.ID, f.admin.ID, approve, "")
			results <- err
		}(i%2 == 0)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, services.IsStateConflictError(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded, "exactly one decision may win")
}

func TestEngine_ListPending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	older := f.create(t, models.ActionExportData)
	f.clock = f.clock.Add(time.Minute)
	newer := f.create(t, models.ActionBulkUpdate)
	f.clock = f.clock.Add(time.Minute)
	decided := f.create(t, models.ActionDeleteData)
	_, err := f.engine.Process(ctx, decided.ID, f.admin.ID, true, "")
	require.NoError(t, err)

	pending, err := f.engine.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, newer.ID, pending[0].ID)
	assert.Equal(t, older.ID, pending[1].ID)

	f.clock = f.clock.Add(72 * time.Hour)
	pending, err = f.engine.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_ExpireStale(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	n, err := f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.create(t, models.ActionExportData)
	f.create(t, models.ActionBulkUpdate)
	f.clock = f.clock.Add(49 * time.Hour)

	count, err := f.engine.CountExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	n, err = f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries := f.store.AuditEntries()
	last := entries[len(entries)-1]
	assert.Equal(t, models.AuditActionExpireApprovals, last.Action)
	assert.Equal(t, models.SystemActor, last.ActorID)
	assert.JSONEq(t, `{"expired_count":2}`, string(last.Metadata))

	count, err = f.engine.CountExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngine_Await(t *testing.T) {
	f := newEngineFixture(t)
	req := f.create(t, models.ActionDeleteData)

	done := make(chan *models.ApprovalRequest, 1)
	go func() {
		got, err := f.engine.Await(context.Background(), req.ID, 5*time.Millisecond)
		if err == nil {
			done <- got
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := f.engine.Process(context.Background(), req.ID, f.admin.ID, true, "")
	require.NoError(t, err)

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, models.ApprovalStatusApproved, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after the decision")
	}
}

func TestEngine_Await_ContextCancelled(t *testing.T) {
	f := newEngineFixture(t)
	req := f.create(t, models.ActionDeleteData)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.engine.Await(ctx, req.ID, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_RoleEscalationRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	result, err := f.resolver.UpdateRole(ctx, f.viewer.ID, models.RoleManager, f.manager.ID.String(), "promotion")
	require.NoError(t, err)
	require.NotNil(t, result.Approval)
	assert.Equal(t, models.SensitivityCritical, result.Approval.Sensitivity)

	_, err = f.engine.Process(ctx, result.Approval.ID, f.admin.ID, true, "")
	require.NoError(t, err)

	applied, err := f.resolver.ApplyEscalation(ctx, result.Approval.ID, models.RoleManager, f.admin.ID.String())
	require.NoError(t, err)
	assert.True(t, applied.Applied)

	summary, err := f.resolver.Permissions(ctx, f.viewer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleManager, summary.Role)
}
