package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
)

const (
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "

	claimsKey = "auth_claims"
	tenantKey = "auth_tenant_id"
)

var errNoBearer = errors.New("middleware: bearer token missing")

// TokenValidator validates bearer tokens
type TokenValidator interface {
	Validate(tokenString string) (*auth.Claims, error)
}

// AuthConfig configures bearer authentication of the UI-facing API
type AuthConfig struct {
	Validator TokenValidator
	// PublicPaths match exactly, PublicPrefixes by prefix
	PublicPaths    []string
	PublicPrefixes []string
	Logger         *zap.Logger
}

// DefaultAuthConfig leaves probes and webhooks public. Webhooks are
// authenticated by their signature.
func DefaultAuthConfig(validator TokenValidator) AuthConfig {
	return AuthConfig{
		Validator:      validator,
		PublicPaths:    ProbePaths,
		PublicPrefixes: []string{"/api/v1/webhooks/"},
	}
}

func (cfg AuthConfig) public(path string) bool {
	for _, p := range cfg.PublicPaths {
		if path == p {
			return true
		}
	}
	for _, p := range cfg.PublicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Authenticate validates the bearer token and binds the tenant from its claims
// to the gin and request contexts.
func Authenticate(cfg AuthConfig) gin.HandlerFunc {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if cfg.public(c.Request.URL.Path) {
			c.Next()
			return
		}

		token, err := bearerToken(c.GetHeader(AuthHeaderKey))
		if err != nil {
			rejectToken(c, cfg.Logger, err)
			return
		}
		claims, err := cfg.Validator.Validate(token)
		if err != nil {
			rejectToken(c, cfg.Logger, err)
			return
		}
		tenantID, err := claims.TenantUUID()
		if err != nil {
			rejectToken(c, cfg.Logger, auth.ErrInvalidClaims)
			return
		}

		c.Set(claimsKey, claims)
		c.Set(tenantKey, tenantID)

		ctx := c.Request.Context()
		ctx, _ = logger.WithTenantID(ctx, logger.FromContext(ctx), claims.TenantID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, strings.TrimSpace(BearerPrefix)) {
		return "", errNoBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoBearer
	}
	return token, nil
}

func rejectToken(c *gin.Context, log *zap.Logger, err error) {
	code, msg := dto.ErrCodeUnauthorized, "Authentication required"
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		code, msg = dto.ErrCodeTokenExpired, "Token has expired"
	case errors.Is(err, errNoBearer):
	default:
		code, msg = dto.ErrCodeTokenInvalid, "Invalid token"
	}

	log.Warn("Request rejected",
		append(logger.Fields(c.Request.Context()),
			zap.Error(err),
			zap.String("code", code),
			zap.String("path", c.Request.URL.Path),
		)...,
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewErrorResponseWithRequestID(code, msg, RequestIDFrom(c)))
}

// ClaimsFrom returns the validated claims, nil on public routes
func ClaimsFrom(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// TenantID returns the authenticated tenant
func TenantID(c *gin.Context) (uuid.UUID, bool) {
	if v, ok := c.Get(tenantKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

// SetTenant binds tenantID as the authenticated tenant of the request
func SetTenant(c *gin.Context, tenantID uuid.UUID) {
	c.Set(tenantKey, tenantID)
}

func tenantLabel(c *gin.Context) string {
	if id, ok := TenantID(c); ok {
		return id.String()
	}
	return ""
}
