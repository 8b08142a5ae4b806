// Package auth resolves the caller identity of HTTP requests from a bearer
// JWT or a static API key.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries the static API key.
	APIKeyHeader = "X-API-Key"

	// UserHeader names the user of an API-key or anonymous request.
	UserHeader = "X-User-ID"

	// RouteHeader names the route symbol of an API-key or anonymous request.
	RouteHeader = "X-Route"

	// AnonymousUser is the identity of unauthenticated requests.
	AnonymousUser = "anonymous"

	identityContextKey contextKey = "identity"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Route  string
	Method string // "jwt", "api_key" or "none"
}

// Authenticator validates requests. With neither a JWT manager nor an API key
// configured every request passes as the user named by UserHeader.
type Authenticator struct {
	jwt       *JWTManager
	apiKey    string
	skipPaths map[string]bool
}

// NewAuthenticator creates an authenticator. jwt may be nil and apiKey empty.
func NewAuthenticator(jwt *JWTManager, apiKey string) *Authenticator {
	return &Authenticator{
		jwt:    jwt,
		apiKey: apiKey,
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
			"/metrics": true,
		},
	}
}

// WithSkipPaths adds paths that bypass authentication
func (a *Authenticator) WithSkipPaths(paths ...string) *Authenticator {
	for _, p := range paths {
		a.skipPaths[p] = true
	}
	return a
}

// Enabled reports whether any credential is required.
func (a *Authenticator) Enabled() bool {
	return a.jwt != nil || a.apiKey != ""
}

// Authenticate resolves the identity of r.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	if bearer, ok := bearerToken(r); ok && a.jwt != nil {
		claims, err := a.jwt.ValidateToken(bearer)
		if err != nil {
			return nil, err
		}
		return &Identity{UserID: claims.User(), Route: claims.Route, Method: "jwt"}, nil
	}

	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" && a.apiKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			return nil, ErrInvalidToken
		}
		return headerIdentity(r, "api_key"), nil
	}

	if a.Enabled() {
		return nil, ErrInvalidToken
	}
	return headerIdentity(r, "none"), nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		id, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

func headerIdentity(r *http.Request, method string) *Identity {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		user = AnonymousUser
	}
	return &Identity{UserID: user, Route: strings.TrimSpace(r.Header.Get(RouteHeader)), Method: method}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the caller identity from context
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// UserIDFromContext returns the caller's user id, or AnonymousUser.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok && id.UserID != "" {
		return id.UserID
	}
	return AnonymousUser
}
