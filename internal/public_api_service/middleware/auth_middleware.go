package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedUserContextKey = ContextKey("authenticatedUser")
)

const (
	PermissionSenderIDReview = "sender_id:review"
	PermissionCreditsTopUp   = "credits:top_up"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// AuthenticatedUser is the caller behind a verified token. The token subject is the tenant.
type AuthenticatedUser struct {
	ID          string
	TenantID    string
	Permissions []string
}

func (u AuthenticatedUser) HasPermission(permission string) bool {
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Claims carried by API tokens.
type Claims struct {
	UserID      string   `json:"uid,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 tokens signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func (v *TokenVerifier) Verify(tokenString string) (*AuthenticatedUser, error) {
	claims := new(Claims)
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	user := &AuthenticatedUser{ID: claims.UserID, TenantID: claims.Subject, Permissions: claims.Permissions}
	if user.ID == "" {
		user.ID = claims.Subject
	}
	return user, nil
}

// Issue signs a token for tenantID. Used by operators and tests to mint credentials.
func (v *TokenVerifier) Issue(tenantID, userID string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthMiddleware rejects requests without a valid bearer token and stores the caller in the context.
func AuthMiddleware(verifier *TokenVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			user, err := verifier.Verify(tokenString)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedUserContextKey, *user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the caller stored by AuthMiddleware.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	user, ok := ctx.Value(AuthenticatedUserContextKey).(AuthenticatedUser)
	return user, ok && user.TenantID != ""
}

// RequirePermission lets the request through only if the authenticated user holds permission.
func RequirePermission(permission string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedUser not found in context. AuthMiddleware must run first.")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !user.HasPermission(permission) {
				logger.WarnContext(r.Context(), "Permission denied",
					"user_id", user.ID, "tenant_id", user.TenantID, "required_permission", permission)
				http.Error(w, "Forbidden: You don't have permission to perform this action.", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
