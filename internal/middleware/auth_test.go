package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/studyplan/server/internal/models"
)

const testSecret = "test-secret-at-least-32-characters-long"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func authedServer(cfg AuthConfig) (http.Handler, *models.Principal) {
	captured := &models.Principal{}
	handler := BearerAuth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := GetPrincipalFromContext(r.Context()); p != nil {
			*captured = *p
		}
		w.WriteHeader(http.StatusOK)
	}))
	return handler, captured
}

func TestBearerAuth(t *testing.T) {
	cfg := AuthConfig{JWTSecret: testSecret}

	t.Run("accepts a valid token and exposes the principal", func(t *testing.T) {
		handler, principal := authedServer(cfg)
		token := signToken(t, jwt.MapClaims{
			"sub":   "alice",
			"scope": "sync:items sync:events",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})

		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", principal.UserID)
		assert.True(t, principal.HasScope("sync:items"))
		assert.True(t, principal.HasScope("sync:events"))
		assert.False(t, principal.HasScope("sync:folders"))
	})

	t.Run("accepts array-form scope claims", func(t *testing.T) {
		handler, principal := authedServer(cfg)
		token := signToken(t, jwt.MapClaims{
			"sub":   "bob",
			"scope": []string{"sync:folders"},
			"exp":   time.Now().Add(time.Hour).Unix(),
		})

		req := httptest.NewRequest("GET", "/folders/pull", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, principal.HasScope("sync:folders"))
	})

	t.Run("rejects a missing credential", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/items/pull", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a token signed with another key", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := forged.SignedString([]byte("some-other-secret-value-entirely!"))
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		token := signToken(t, jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})

		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a token without expiry", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		token := signToken(t, jwt.MapClaims{"sub": "alice"})

		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a token without a subject", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		token := signToken(t, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})

		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("skips configured paths", func(t *testing.T) {
		handler, _ := authedServer(AuthConfig{JWTSecret: testSecret, SkipPaths: []string{"/version"}})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "health is always open")

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/version", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServiceKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("service-key-value"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := AuthConfig{
		JWTSecret:        testSecret,
		ServiceKeyHash:   string(hash),
		ServiceKeyHeader: "X-Service-Key",
		ServiceUserID:    "service",
	}

	t.Run("grants every sync scope to the service principal", func(t *testing.T) {
		handler, principal := authedServer(cfg)
		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("X-Service-Key", "service-key-value")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "service", principal.UserID)
		for _, name := range models.CollectionNames() {
			assert.True(t, principal.HasScope("sync:"+name))
		}
	})

	t.Run("rejects a wrong service key", func(t *testing.T) {
		handler, _ := authedServer(cfg)
		req := httptest.NewRequest("GET", "/items/pull", nil)
		req.Header.Set("X-Service-Key", "wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
