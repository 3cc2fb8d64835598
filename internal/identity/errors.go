// Package identity resolves bearer credentials into a trusted
// *runtime.Identity (C1). It supports two token families: externally
// issued user/service JWTs verified against OIDC discovery/JWKS or a
// local HMAC secret, and runtime-minted execution tokens scoped to one
// capability launch.
package identity

import "errors"

// Error kinds, matching the taxonomy in spec §4.1 / §7.
var (
	ErrMissing           = errors.New("AUTH_MISSING")
	ErrInvalidSignature  = errors.New("AUTH_INVALID_SIGNATURE")
	ErrExpired           = errors.New("AUTH_EXPIRED")
	ErrIssuerMismatch    = errors.New("AUTH_ISSUER_MISMATCH")
	ErrAudienceMismatch  = errors.New("AUTH_AUDIENCE_MISMATCH")
	ErrUnsupportedAlg    = errors.New("AUTH_UNSUPPORTED_ALGORITHM")
	ErrKeyNotFound       = errors.New("AUTH_KEY_NOT_FOUND")
)
