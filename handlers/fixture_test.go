package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories/memory"
	"github.com/upb/governance-core/services/approval"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/idempotency"
	"github.com/upb/governance-core/services/permission"
	"github.com/upb/governance-core/services/principal"
	"github.com/upb/governance-core/services/statestore"
	"go.uber.org/zap"
)

type fixture struct {
	store       *memory.Store
	permissions *PermissionHandler
	principals  *PrincipalHandler
	approvals   *ApprovalHandler
	operations  *OperationHandler
	state       *StateHandler
	audit       *AuditHandler

	admin       *models.Principal
	manager     *models.Principal
	contributor *models.Principal
	viewer      *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	txManager := store.TransactionManager()
	logger := zap.NewNop()

	auditLogger := audit.NewLogger(repos.AuditLogs, logger, audit.DefaultConfig())
	resolver := permission.NewResolver(repos.Principals, nil, auditLogger, txManager, logger)
	engine := approval.NewEngine(repos.Approvals, resolver, auditLogger, txManager, logger, 0)
	resolver.SetApprovalGateway(engine)
	manager := idempotency.NewManager(repos.OperationLocks, auditLogger, logger, 0)
	principals := principal.NewService(repos.Principals, auditLogger, txManager, logger)
	state := statestore.NewStore(repos.States, auditLogger, txManager, logger)

	f := &fixture{
		store:       store,
		permissions: NewPermissionHandler(resolver, logger),
		principals:  NewPrincipalHandler(principals, resolver, engine, logger),
		approvals:   NewApprovalHandler(engine, logger),
		operations:  NewOperationHandler(manager, resolver, logger),
		state:       NewStateHandler(state, logger),
		audit:       NewAuditHandler(auditLogger, logger),
	}

	ctx := context.Background()
	f.admin = models.NewPrincipal("admin@example.com", "Ada", models.RoleAdmin)
	f.manager = models.NewPrincipal("manager@example.com", "Max", models.RoleManager)
	f.contributor = models.NewPrincipal("contrib@example.com", "Cal", models.RoleContributor)
	f.viewer = models.NewPrincipal("viewer@example.com", "Vic", models.RoleViewer)
	for _, p := range []*models.Principal{f.admin, f.manager, f.contributor, f.viewer} {
		require.NoError(t, repos.Principals.Create(ctx, p))
	}
	return f
}

// call invokes handler as actor with chi URL params set. A nil actor sends
// an unauthenticated request.
func call(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}, actor *models.Principal, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if actor != nil {
		ctx = middleware.WithPrincipalID(ctx, actor.ID)
	}

	w := httptest.NewRecorder()
	handler(w, req.WithContext(ctx))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dst))
}

func idParam(id uuid.UUID) map[string]string {
	return map[string]string{"id": id.String()}
}
