package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Token roles. Operators see every world; DMs see the worlds listed in
// their token, or every world when none are listed.
const (
	RoleOperator = "operator"
	RoleDM       = "dm"
	RolePlayer   = "player"
)

type AuthConfig struct {
	JWTSecret string
	// AllowAnonymous admits requests without a token as an operator. Meant for
	// local play only.
	AllowAnonymous bool
	Logger         *log.Logger
}

type Principal struct {
	UserID string
	Roles  []string
	Worlds []string
	Source string
}

func (p Principal) hasRole(roles ...string) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// canSee reports whether the principal may inspect worldID.
func (p Principal) canSee(worldID string) bool {
	if p.hasRole(RoleOperator) {
		return true
	}
	if !p.hasRole(RoleDM) {
		return false
	}
	if len(p.Worlds) == 0 {
		return true
	}
	for _, w := range p.Worlds {
		if w == worldID {
			return true
		}
	}
	return false
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles,omitempty"`
	Worlds []string `json:"worlds,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		UserID: claims.Subject,
		Roles:  claims.Roles,
		Worlds: claims.Worlds,
		Source: "jwt",
	}, nil
}

// IssueToken signs an HS256 token for userID. A zero ttl never expires.
func IssueToken(secret, userID string, roles, worlds []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles:  roles,
		Worlds: worlds,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Authenticate resolves the principal behind a request. Browsers cannot set
// headers on a websocket upgrade, so a token query parameter is also accepted.
func (c AuthConfig) Authenticate(req *http.Request) (Principal, error) {
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		t, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errors.New("malformed authorization header")
		}
		token = t
	}
	if token == "" {
		if c.AllowAnonymous {
			return Principal{UserID: "anonymous", Roles: []string{RoleOperator}, Source: "anonymous"}, nil
		}
		return Principal{}, errors.New("authentication required")
	}
	return authenticateJWT(token, c.JWTSecret)
}

// WebsocketIdentity adapts Authenticate for the websocket transport. An
// anonymous principal carries no identity to pin.
func (c AuthConfig) WebsocketIdentity(req *http.Request) (string, error) {
	p, err := c.Authenticate(req)
	if err != nil {
		return "", err
	}
	if p.Source == "anonymous" {
		return "", nil
	}
	return p.UserID, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := cfg.Authenticate(req)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if principal.Source == "anonymous" {
				cfg.logger().Printf("http: anonymous request to %s", req.URL.Path)
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
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
