package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mozaiks/core/internal/config"
	"github.com/mozaiks/core/pkg/runtime"
)

// Claims is the JWT claim set the resolver understands. Role claims may
// live at the top level or nested under common OIDC paths, handled by
// extractRoles.
type Claims struct {
	AppID           string                 `json:"app_id,omitempty"`
	Roles           []string               `json:"roles,omitempty"`
	RealmAccess     *realmAccess           `json:"realm_access,omitempty"`
	ResourceAccess  map[string]realmAccess `json:"resource_access,omitempty"`
	Username        string                 `json:"preferred_username,omitempty"`
	InternalService bool                   `json:"internal_service,omitempty"`
	jwt.RegisteredClaims
}

type realmAccess struct {
	Roles []string `json:"roles,omitempty"`
}

// Resolver validates bearer tokens and produces trusted identities.
// It is an injected dependency with an explicit lifecycle (no hidden
// module-level state), per spec §9's "global/singleton" redesign note.
type Resolver struct {
	cfg config.AuthConfig

	mu        sync.RWMutex
	keys      jwt.Keyfunc
	keysAt    time.Time
	keyRefresh time.Duration

	// jwksSource fetches the signing keys; swappable for tests.
	jwksSource func(ctx context.Context) (jwt.Keyfunc, error)
}

// NewResolver constructs a Resolver for the given auth configuration.
// In local mode the HMAC keyfunc is installed immediately; in external
// mode the JWKS keyfunc is resolved lazily on first Validate call, via
// jwksSource.
func NewResolver(cfg config.AuthConfig) *Resolver {
	r := &Resolver{cfg: cfg, keyRefresh: 5 * time.Minute}
	if cfg.Mode == "local" {
		secret := []byte(cfg.LocalSecret)
		r.keys = func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("%w: unexpected signing method %v", ErrUnsupportedAlg, t.Header["alg"])
			}
			return secret, nil
		}
	} else {
		r.jwksSource = func(ctx context.Context) (jwt.Keyfunc, error) {
			return jwksKeyfunc(ctx, cfg, nil)
		}
	}
	return r
}

// Validate verifies a bearer token and extracts a trusted Identity.
func (r *Resolver) Validate(ctx context.Context, token string) (*runtime.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissing
	}

	keyfunc, err := r.keyfunc(ctx)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc, jwt.WithValidMethods([]string{"HS256", "RS256", "ES256"}))
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	if r.cfg.Issuer != "" && claims.Issuer != r.cfg.Issuer {
		return nil, ErrIssuerMismatch
	}
	if r.cfg.Audience != "" && !containsAudience(claims.Audience, r.cfg.Audience) {
		return nil, ErrAudienceMismatch
	}

	userID := claims.Subject
	if userID == "" {
		return nil, ErrInvalidSignature
	}

	appID := claims.AppID
	if appID == "" {
		appID = r.cfg.Audience
	}

	id := &runtime.Identity{
		AppID:     appID,
		UserID:    userID,
		Username:  claims.Username,
		RawToken:  token,
		IsService: claims.InternalService || containsRole(extractRoles(claims), "internal_service"),
	}
	id.Roles = make(map[string]struct{})
	for _, role := range extractRoles(claims) {
		id.Roles[role] = struct{}{}
		if role == "superadmin" {
			id.IsSuperadmin = true
		}
	}
	return id, nil
}

func (r *Resolver) keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	r.mu.RLock()
	keys := r.keys
	r.mu.RUnlock()
	if keys != nil {
		return keys, nil
	}
	if r.jwksSource == nil {
		return nil, fmt.Errorf("identity: no signing key source configured")
	}
	keys, err := r.jwksSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: jwks refresh: %w", err)
	}
	r.mu.Lock()
	r.keys = keys
	r.keysAt = time.Now()
	r.mu.Unlock()
	return keys, nil
}

func classifyParseError(err error) error {
	switch {
	case strings.Contains(err.Error(), "token is expired"):
		return ErrExpired
	case strings.Contains(err.Error(), "signature is invalid"):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func containsRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// extractRoles resolves roles from the top-level claim, falling back to
// realm_access.roles and the flattened union of resource_access.*.roles,
// per spec §4.1.
func extractRoles(c *Claims) []string {
	if len(c.Roles) > 0 {
		return c.Roles
	}
	if c.RealmAccess != nil && len(c.RealmAccess.Roles) > 0 {
		return c.RealmAccess.Roles
	}
	var out []string
	for _, ra := range c.ResourceAccess {
		out = append(out, ra.Roles...)
	}
	return out
}
