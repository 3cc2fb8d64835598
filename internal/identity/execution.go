package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mozaiks/core/internal/config"
	"github.com/mozaiks/core/pkg/runtime"
)

// executionClaims embeds runtime.ExecutionTokenClaims into a JWT claim
// set so the standard library claim validators (exp, iat) still apply.
type executionClaims struct {
	runtime.ExecutionTokenClaims
	jwt.RegisteredClaims
}

// ExecutionMinter mints and validates the short-lived execution tokens
// described in spec §4.1: single-capability-launch scoped JWTs signed
// with a secret distinct from the user/service auth secret.
type ExecutionMinter struct {
	cfg config.ExecutionTokenConfig
}

// NewExecutionMinter constructs a minter from the runtime config.
func NewExecutionMinter(cfg config.ExecutionTokenConfig) *ExecutionMinter {
	if cfg.ExpireMinutes <= 0 {
		cfg.ExpireMinutes = 10
	}
	return &ExecutionMinter{cfg: cfg}
}

// Mint issues a signed execution token for one capability launch.
func (m *ExecutionMinter) Mint(claims runtime.ExecutionTokenClaims) (string, error) {
	if m.cfg.Secret == "" {
		return "", fmt.Errorf("identity: execution token secret not configured")
	}
	claims.TokenUse = "execution"
	now := time.Now()
	full := executionClaims{
		ExecutionTokenClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(m.cfg.ExpireMinutes) * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, full)
	return token.SignedString([]byte(m.cfg.Secret))
}

// Validate verifies an execution token and returns its claims. It does
// not produce a runtime.Identity directly: callers combine the result
// with the capability context it was scoped to.
func (m *ExecutionMinter) Validate(token string) (*runtime.ExecutionTokenClaims, error) {
	if m.cfg.Secret == "" {
		return nil, fmt.Errorf("identity: execution token secret not configured")
	}
	claims := &executionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrUnsupportedAlg, t.Header["alg"])
		}
		return []byte(m.cfg.Secret), nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.TokenUse != "execution" {
		return nil, fmt.Errorf("%w: not an execution token", ErrInvalidSignature)
	}
	out := claims.ExecutionTokenClaims
	return &out, nil
}
