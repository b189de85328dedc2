package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuthTest(t *testing.T) (*TokenVerifier, http.Handler, *AuthenticatedUser) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := NewTokenVerifier("test-secret")
	seen := &AuthenticatedUser{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		*seen = user
		w.WriteHeader(http.StatusNoContent)
	})
	return verifier, AuthMiddleware(verifier, logger)(next), seen
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("ValidToken", func(t *testing.T) {
		verifier, handler, seen := setupAuthTest(t)
		token, err := verifier.Issue("tenant-1", "user-9", []string{PermissionSenderIDReview}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "tenant-1", seen.TenantID)
		assert.Equal(t, "user-9", seen.ID)
		assert.True(t, seen.HasPermission(PermissionSenderIDReview))
		assert.False(t, seen.HasPermission(PermissionCreditsTopUp))
	})

	t.Run("MissingHeader", func(t *testing.T) {
		_, handler, _ := setupAuthTest(t)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		verifier, handler, _ := setupAuthTest(t)
		token, _ := verifier.Issue("tenant-1", "", nil, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Expired", func(t *testing.T) {
		verifier, handler, _ := setupAuthTest(t)
		token, _ := verifier.Issue("tenant-1", "", nil, -time.Minute)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		_, handler, _ := setupAuthTest(t)
		token, _ := NewTokenVerifier("other-secret").Issue("tenant-1", "", nil, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestTokenVerifier_RejectsOtherAlgorithms(t *testing.T) {
	verifier := NewTokenVerifier("test-secret")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "tenant-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenVerifier_RequiresSubject(t *testing.T) {
	verifier := NewTokenVerifier("test-secret")
	token, err := verifier.Issue("", "user-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequirePermission(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := NewTokenVerifier("test-secret")
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := AuthMiddleware(verifier, logger)(RequirePermission(PermissionCreditsTopUp, logger)(ok))

	tests := []struct {
		name        string
		permissions []string
		want        int
	}{
		{"Granted", []string{PermissionCreditsTopUp}, http.StatusOK},
		{"Missing", []string{PermissionSenderIDReview}, http.StatusForbidden},
		{"None", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := verifier.Issue("tenant-1", "", tt.permissions, time.Hour)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	t.Run("WithoutAuthMiddleware", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RequirePermission(PermissionCreditsTopUp, logger)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
