package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/governance-core/auth"
	"github.com/upb/governance-core/config"
	"github.com/upb/governance-core/internal/observability"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/repositories/postgres"
	"github.com/upb/governance-core/repositories/redis"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/approval"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/governance"
	"github.com/upb/governance-core/services/health"
	"github.com/upb/governance-core/services/idempotency"
	"github.com/upb/governance-core/services/permission"
	"github.com/upb/governance-core/services/principal"
	"github.com/upb/governance-core/services/ratelimit"
	"github.com/upb/governance-core/services/retry"
	"github.com/upb/governance-core/services/statestore"
	"github.com/upb/governance-core/services/sweeper"
	"go.uber.org/zap"
)

// Version is reported in traces and by govctl
var Version = "dev"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  *goredis.Client
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repositories *repositories.Repositories
	TxManager    repositories.TransactionManager

	// Services
	Audit       *audit.Logger
	Permissions *permission.Resolver
	Approvals   *approval.Engine
	Operations  *idempotency.Manager
	State       *statestore.Store
	Principals  *principal.Service
	Retry       *retry.Executor
	Governance  *governance.Executor
	Health      *health.Monitor
	Sweeper     *sweeper.Sweeper
	RateLimiter *ratelimit.Limiter

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	tracing bool
}

// NewDependencies creates and wires up all application dependencies on PostgreSQL
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	if err := deps.initRepositories(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := deps.finish(cfg, deps.DB); err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// NewDependenciesWithRepositories wires the services over caller-supplied
// repositories, such as the in-memory store. db may be nil.
func NewDependenciesWithRepositories(cfg *config.Config, logger *zap.Logger, repos *repositories.Repositories, txManager repositories.TransactionManager, db health.Pinger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:       cfg,
		Logger:       logger,
		Repositories: repos,
		TxManager:    txManager,
	}
	if err := deps.finish(cfg, db); err != nil {
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) finish(cfg *config.Config, db health.Pinger) error {
	if err := d.initServices(cfg, db); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := d.initAuth(cfg); err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}
	if err := d.initTracing(cfg); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	return nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		d.RepoFactory, d.DB = nil, nil
		return fmt.Errorf("database ping failed: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances. The operation lock
// store moves to Redis when IDEMPOTENCY_BACKEND=redis.
func (d *Dependencies) initRepositories(ctx context.Context, cfg *config.Config) error {
	d.Repositories = d.RepoFactory.NewRepositories()
	d.TxManager = d.RepoFactory.GetTransactionManager()

	if cfg.Redis.Backend == config.BackendRedis {
		rdb, err := redis.Open(ctx, cfg.Redis, d.Logger)
		if err != nil {
			return err
		}
		d.Redis = rdb
		d.Repositories.OperationLocks = redis.NewOperationLockRepository(rdb, cfg.Redis.KeyPrefix, d.Logger)
	}

	d.Logger.Info("repositories initialized", zap.String("lock_backend", cfg.Redis.Backend))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config, db health.Pinger) error {
	g := cfg.Governance
	repos := d.Repositories

	policy := permission.DefaultPolicyTable()
	if g.PolicyFile != "" {
		loaded, err := permission.LoadPolicyFile(g.PolicyFile)
		if err != nil {
			return err
		}
		policy = loaded
		d.Logger.Info("loaded role policy file", zap.String("path", g.PolicyFile))
	}

	d.Audit = audit.NewLogger(repos.AuditLogs, d.Logger.Named("audit"), audit.Config{
		DefaultLimit: g.AuditDefaultLimit,
		MaxLimit:     g.AuditMaxLimit,
	})
	d.Permissions = permission.NewResolver(repos.Principals, policy, d.Audit, d.TxManager, d.Logger.Named("permission"))
	d.Approvals = approval.NewEngine(repos.Approvals, d.Permissions, d.Audit, d.TxManager, d.Logger.Named("approval"), g.ApprovalTTL)
	d.Permissions.SetApprovalGateway(d.Approvals)
	d.Operations = idempotency.NewManager(repos.OperationLocks, d.Audit, d.Logger.Named("idempotency"), g.LockTTL)
	d.State = statestore.NewStore(repos.States, d.Audit, d.TxManager, d.Logger.Named("state"))
	d.Principals = principal.NewService(repos.Principals, d.Audit, d.TxManager, d.Logger.Named("principal"))

	var classifier services.ErrorClassifier = services.IsFatal
	if g.LegacyErrorClassifier {
		classifier = services.LegacyFatalClassifier
	}
	d.Retry = retry.NewExecutor(retry.Config{
		MaxRetries: g.MaxRetries,
		Base:       g.RetryBase,
		Unit:       g.RetryUnit,
	}, classifier, d.Logger.Named("retry"))
	d.Governance = governance.NewExecutor(d.Permissions, d.Approvals, d.Operations, d.Retry, d.Audit, d.Logger.Named("governance"))

	d.Health = health.NewMonitor(db, d.Approvals, d.Operations, d.Logger.Named("health"))
	if d.RepoFactory != nil && d.RepoFactory.AuditDB() != d.DB {
		d.Health.AddProbe("audit_database", d.RepoFactory.AuditDB().HealthCheck)
	}
	if d.Redis != nil {
		d.Health.AddProbe("redis", redis.Ping(d.Redis))
	}

	d.Sweeper = sweeper.New(d.Approvals, d.Operations, g.SweepInterval, d.Logger.Named("sweeper"))
	d.RateLimiter = ratelimit.NewLimiter(repos.RateLimits, ratelimit.Config{
		RequestsPerMinute: g.RateLimitPerMinute,
		RequestsPerHour:   g.RateLimitPerHour,
	}, d.Logger.Named("ratelimit"))

	d.Logger.Info("services initialized")
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) error {
	if cfg.Auth.Mode == config.AuthModeHeader {
		d.Logger.Warn("header authentication enabled, trusting " + middleware.PrincipalHeader)
		d.AuthMiddleware = middleware.NewHeaderAuthMiddleware(d.Logger)
		return nil
	}

	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject every request")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return nil
	}

	validator, err := auth.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.Logger.Info("bearer token authentication initialized", zap.String("issuer", cfg.Auth.Issuer))
	return nil
}

func (d *Dependencies) initTracing(cfg *config.Config) error {
	if !cfg.Observability.TracingEnabled {
		return nil
	}
	if err := observability.InitTracing(cfg.Observability.ServiceName, Version, cfg.Observability.TracingOutput); err != nil {
		return err
	}
	d.tracing = true
	d.Logger.Info("tracing enabled", zap.String("output", cfg.Observability.TracingOutput))
	return nil
}

// rejectAllValidator rejects all tokens (used when no JWT secret is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.tracing {
		if err := observability.ShutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
