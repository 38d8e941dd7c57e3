package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/governance-core/internal/observability"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// PrincipalHeader carries the caller's principal ID when header auth is enabled
const PrincipalHeader = "X-User-ID"

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// ValidateToken validates a token and returns claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator   TokenValidator
	trustHeader bool
	logger      *zap.Logger
}

// NewAuthMiddleware creates an AuthMiddleware that accepts bearer tokens
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// NewHeaderAuthMiddleware creates an AuthMiddleware that trusts the
// X-User-ID header set by an authenticating proxy
func NewHeaderAuthMiddleware(logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		trustHeader: true,
		logger:      logger,
	}
}

// RequireAuth rejects requests without a valid identity and stores the
// principal ID in the request context
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		claims, ok := m.authenticate(w, r)
		if !ok {
			return
		}

		principalID, err := uuid.Parse(claims.Sub)
		if err != nil {
			m.logger.Warn("invalid principal id in credentials",
				zap.String("request_id", requestID),
				zap.String("sub", claims.Sub))
			_ = utils.WriteUnauthorized(w, "Invalid principal")
			return
		}

		ctx = WithClaims(ctx, claims)
		ctx = WithPrincipalID(ctx, principalID)
		ctx = observability.WithLogger(ctx, observability.LoggerFrom(ctx, m.logger).With(zap.String("actor", claims.Sub)))

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Sub))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(w http.ResponseWriter, r *http.Request) (*Claims, bool) {
	requestID := GetRequestIDFromContext(r.Context())

	if m.trustHeader {
		sub := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if sub == "" {
			m.logger.Warn("missing principal header", zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing "+PrincipalHeader+" header")
			return nil, false
		}
		return &Claims{Sub: sub}, true
	}

	token := extractBearerToken(r)
	if token == "" {
		m.logger.Warn("missing token", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
		return nil, false
	}

	claims, err := m.validator.ValidateToken(r.Context(), token)
	if err != nil {
		m.logger.Warn("token validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteUnauthorized(w, "Invalid or expired token")
		return nil, false
	}
	return claims, true
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
