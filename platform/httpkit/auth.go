package httpkit

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles understood by the API. Admin implies staff.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

const (
	errMissingToken  = "missing token"
	errInvalidToken  = "invalid token"
	errForbidden     = "forbidden"
	errClinicMissing = "token is not bound to a clinic"

	tokenTypeAccess = "access"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	clinicKey
)

// accessClaims is the payload of an access token. The clinic claim keeps the
// issuer's tenant_id name.
type accessClaims struct {
	jwt.RegisteredClaims
	Type     string   `json:"type"`
	Roles    []string `json:"roles"`
	ClinicID string   `json:"tenant_id"`
}

// WithIdentity stores the authenticated caller on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey, id)
	return context.WithValue(ctx, logger.UserIDKey, id.UserID().String())
}

// IdentityFromContext returns the caller stored by AuthRequired.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithClinic binds ctx to one clinic. Every clinic-scoped query reads the
// clinic from here, never from the request body or URL.
func WithClinic(ctx context.Context, clinicID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, clinicKey, clinicID)
	return context.WithValue(ctx, logger.ClinicIDKey, clinicID.String())
}

// ClinicFromContext returns the clinic bound by WithClinic.
func ClinicFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(clinicKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// AuthRequired validates HS256 access tokens and puts the caller, and the
// clinic named by the token if any, on the request context.
func AuthRequired(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, errMissingToken)
			return
		}

		claims, err := parseAccessClaims(rawToken, cfg)
		if err != nil {
			abortUnauthorized(c, errInvalidToken)
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			abortUnauthorized(c, errInvalidToken)
			return
		}

		ctx := WithIdentity(c.Request.Context(), NewIdentity(userID, parseRoles(claims.Roles)...))
		if raw := strings.TrimSpace(claims.ClinicID); raw != "" {
			clinicID, err := uuid.Parse(raw)
			if err != nil || clinicID == uuid.Nil {
				abortUnauthorized(c, errInvalidToken)
				return
			}
			ctx = WithClinic(ctx, clinicID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole rejects callers lacking role. Admins pass every staff check.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c.Request.Context())
		if !ok || !id.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errForbidden})
			return
		}
		c.Next()
	}
}

// RequireClinic rejects tokens that carry no clinic.
func RequireClinic() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ClinicFromContext(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errClinicMissing})
			return
		}
		c.Next()
	}
}

// MustGetClinic returns the caller's clinic or aborts with 403.
func MustGetClinic(c *gin.Context) (uuid.UUID, bool) {
	clinicID, ok := ClinicFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errClinicMissing})
		return uuid.Nil, false
	}
	return clinicID, true
}

// parseRoles lowercases, dedupes and keeps only roles this API knows.
func parseRoles(raw []string) []string {
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.ToLower(strings.TrimSpace(r))
		if (r == RoleAdmin || r == RoleStaff) && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles
}

func extractBearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	rawToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if rawToken == "" {
		return "", false
	}

	return rawToken, true
}

func parseAccessClaims(rawToken string, cfg config.JWTConfig) (*accessClaims, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.GetJWTAccessSecret()), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, errors.New(errInvalidToken)
	}
	if claims.Type != tokenTypeAccess {
		return nil, errors.New(errInvalidToken)
	}
	return claims, nil
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
