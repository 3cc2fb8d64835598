package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mozaiks/core/internal/config"
)

// discoveryDocument is the subset of an OIDC discovery document this
// package needs.
type discoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
}

// jwksKeyfunc builds a jwt.Keyfunc backed by a JWKS endpoint, resolved
// either directly (AuthConfig.JWKSURL) or via OIDC discovery.
func jwksKeyfunc(ctx context.Context, cfg config.AuthConfig, httpClient *http.Client) (jwt.Keyfunc, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		doc, err := fetchDiscoveryDocument(ctx, httpClient, cfg.OIDCDiscoveryURL)
		if err != nil {
			return nil, err
		}
		jwksURL = doc.JWKSURI
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("identity: no jwks_uri resolved for auth mode external")
	}

	cache := jwk.NewCache(ctx, jwk.WithRefreshWindow(5*time.Minute))
	if err := cache.Register(jwksURL, jwk.WithHTTPClient(httpClient)); err != nil {
		return nil, fmt.Errorf("identity: register jwks cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("identity: initial jwks fetch: %w", err)
	}

	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		set, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("identity: jwks refresh: %w", err)
		}
		var key jwk.Key
		var ok bool
		if kid != "" {
			key, ok = set.LookupKeyID(kid)
		} else if set.Len() == 1 {
			key, ok = set.Key(0)
		}
		if !ok {
			return nil, ErrKeyNotFound
		}
		var raw rsa.PublicKey
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlg, err)
		}
		return &raw, nil
	}, nil
}

func fetchDiscoveryDocument(ctx context.Context, client *http.Client, discoveryURL string) (*discoveryDocument, error) {
	if discoveryURL == "" {
		return nil, fmt.Errorf("identity: no oidc discovery url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch oidc discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: oidc discovery returned status %d", resp.StatusCode)
	}
	doc := &discoveryDocument{}
	if err := json.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, fmt.Errorf("identity: decode oidc discovery document: %w", err)
	}
	return doc, nil
}
