package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"formline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Principal identifies the session a bearer token grants access to.
type Principal struct {
	SessionID string
	CSRFToken string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return c.TokenTTL
}

func issueSessionToken(cfg AuthConfig, sessionID string) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.tokenTTL())),
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

func verifySessionToken(token, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.SessionID == "" {
		return "", errors.New("invalid token")
	}
	return claims.SessionID, nil
}

// newCSRFToken returns a fresh anti-forgery token and its stored hash. Only
// the hash is persisted.
func newCSRFToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, hashCSRFToken(token), nil
}

func hashCSRFToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// requireSession checks that the caller's token grants access to sessionID.
func requireSession(ctx context.Context, sessionID string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.SessionID != sessionID {
		return newAPIError(http.StatusForbidden, "forbidden", "token does not match session", nil)
	}
	return nil
}

// requireCSRF additionally checks the anti-forgery header on mutating routes.
func requireCSRF(ctx context.Context, r repo.Repo, sessionID string) huma.StatusError {
	if err := requireSession(ctx, sessionID); err != nil {
		return err
	}
	p, _ := principalFromContext(ctx)
	if p.CSRFToken == "" {
		return newAPIError(http.StatusForbidden, "csrf_required", "X-Csrf-Token header required", nil)
	}
	stored, err := r.GetSessionCSRFHash(ctx, sessionID)
	if err != nil {
		return handleError(err)
	}
	given := hashCSRFToken(p.CSRFToken)
	if subtle.ConstantTimeCompare([]byte(given), []byte(stored)) != 1 {
		return newAPIError(http.StatusForbidden, "csrf_invalid", "anti-forgery token mismatch", nil)
	}
	return nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	sessionsPath := path.Join(basePath, "sessions")
	searchPath := path.Join(basePath, "search")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, searchPath, openAPIPath:
				next.ServeHTTP(w, req)
				return
			case sessionsPath:
				if req.Method == http.MethodPost {
					next.ServeHTTP(w, req)
					return
				}
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			sessionID, err := verifySessionToken(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{
				SessionID: sessionID,
				CSRFToken: strings.TrimSpace(req.Header.Get("X-Csrf-Token")),
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
