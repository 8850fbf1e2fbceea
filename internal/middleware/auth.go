package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/studyplan/server/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// GetPrincipalFromContext retrieves the authenticated principal from request context
func GetPrincipalFromContext(ctx context.Context) *models.Principal {
	if p, ok := ctx.Value(PrincipalContextKey).(*models.Principal); ok {
		return p
	}
	return nil
}

// AuthConfig configures bearer-token authentication
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued by the identity provider.
	JWTSecret string
	// ServiceKeyHash is an optional bcrypt hash of a static key for headless
	// clients, presented in ServiceKeyHeader. Service callers get the full
	// sync scope set.
	ServiceKeyHash   string
	ServiceKeyHeader string
	ServiceUserID    string
	// SkipPaths bypass authentication (health checks and similar)
	SkipPaths []string
}

// BearerAuth creates middleware that authenticates requests with the identity
// provider's bearer credential and exposes a Principal on the context.
func BearerAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path

			if skipSet[path] || path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Skip auth for paths starting with skip prefixes
			for p := range skipSet {
				if strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if auth := r.Header.Get("Authorization"); auth != "" {
				token, ok := strings.CutPrefix(auth, "Bearer ")
				if !ok {
					writeAuthError(w, http.StatusUnauthorized, "Authorization header must carry a bearer token.")
					return
				}

				principal, err := verifyBearerToken(token, cfg.JWTSecret)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "Invalid or expired credential.")
					return
				}

				ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Headless service clients authenticate with a static key.
			if cfg.ServiceKeyHash != "" && cfg.ServiceKeyHeader != "" {
				if key := r.Header.Get(cfg.ServiceKeyHeader); key != "" {
					if bcrypt.CompareHashAndPassword([]byte(cfg.ServiceKeyHash), []byte(key)) != nil {
						writeAuthError(w, http.StatusUnauthorized, "Invalid service key.")
						return
					}
					principal := &models.Principal{UserID: cfg.ServiceUserID, Scopes: allSyncScopes()}
					ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			writeAuthError(w, http.StatusUnauthorized, "Credentials required.")
		})
	}
}

func verifyBearerToken(tokenString, secret string) (*models.Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, jwt.ErrTokenInvalidSubject
	}

	return &models.Principal{UserID: sub, Scopes: parseScopes(claims["scope"])}, nil
}

// parseScopes accepts both the space-delimited string form and an array claim.
func parseScopes(claim any) []string {
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}

func allSyncScopes() []string {
	names := models.CollectionNames()
	scopes := make([]string, 0, len(names))
	for _, name := range names {
		col, _ := models.CollectionByName(name)
		scopes = append(scopes, col.Scope)
	}
	return scopes
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
