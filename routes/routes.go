package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/governance-core/app"
	"github.com/upb/governance-core/handlers"
	"github.com/upb/governance-core/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(deps),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.PrincipalHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler(deps.Health, logger)

	// Liveness needs no dependencies
	r.Get("/healthz", healthHandler.HandleLiveness)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/health/ready", healthHandler.HandleReadiness)

		// Everything else requires an authenticated principal
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			if deps.RateLimiter != nil && deps.RateLimiter.Enabled() {
				r.Use(middleware.RateLimit(deps.RateLimiter, logger))
			}

			permissionHandler := handlers.NewPermissionHandler(deps.Permissions, logger)
			r.Post("/permissions/check", permissionHandler.HandleCheck)

			principalHandler := handlers.NewPrincipalHandler(deps.Principals, deps.Permissions, deps.Approvals, logger)
			r.Route("/principals", func(r chi.Router) {
				r.Get("/", principalHandler.HandleList)
				r.Post("/", principalHandler.HandleCreate)
				r.Get("/{id}", principalHandler.HandleGet)
				r.Put("/{id}/role", principalHandler.HandleUpdateRole)
				r.Get("/{id}/permissions", principalHandler.HandlePermissions)
			})

			approvalHandler := handlers.NewApprovalHandler(deps.Approvals, logger)
			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", approvalHandler.HandleList)
				r.Post("/", approvalHandler.HandleCreate)
				r.Get("/{id}", approvalHandler.HandleGet)
				r.Post("/{id}/decide", approvalHandler.HandleDecide)
			})

			operationHandler := handlers.NewOperationHandler(deps.Operations, deps.Permissions, logger)
			r.Route("/operations/{operationId}", func(r chi.Router) {
				r.Get("/", operationHandler.HandleGet)
				r.Post("/begin", operationHandler.HandleBegin)
				r.Post("/complete", operationHandler.HandleComplete)
				r.Post("/reclaim", operationHandler.HandleReclaim)
			})

			stateHandler := handlers.NewStateHandler(deps.State, logger)
			r.Route("/state/{key}", func(r chi.Router) {
				r.Get("/", stateHandler.HandleGet)
				r.Put("/", stateHandler.HandleSave)
				r.Post("/rollback", stateHandler.HandleRollback)
			})

			auditHandler := handlers.NewAuditHandler(deps.Audit, logger)
			r.Route("/audit", func(r chi.Router) {
				r.Get("/", auditHandler.HandleTrail)
				r.Post("/log", auditHandler.HandleLog)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"The requested resource was not found"}`))
	})

	return r
}

func allowedOrigins(deps *app.Dependencies) []string {
	if deps.Config != nil && len(deps.Config.Server.AllowedOrigins) > 0 {
		return deps.Config.Server.AllowedOrigins
	}
	return []string{"http://localhost:*"}
}
