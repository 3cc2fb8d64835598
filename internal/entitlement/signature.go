package entitlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mozaiks/core/pkg/runtime"
)

// HMACVerifier verifies a manifest's signature as HMAC-SHA256 over its
// canonical JSON encoding with the Signature field cleared, hex
// encoded. This is the scheme the platform and any local file loader
// in this repo agree on; it is not a general JWS implementation.
type HMACVerifier struct {
	Key []byte
}

// Verify implements SignatureVerifier.
func (v *HMACVerifier) Verify(manifest *runtime.Manifest) error {
	if manifest.Signature == "" {
		return fmt.Errorf("entitlement: manifest has no signature")
	}
	unsigned := *manifest
	unsigned.Signature = ""
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("entitlement: canonicalize manifest: %w", err)
	}
	mac := hmac.New(sha256.New, v.Key)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(manifest.Signature)) {
		return fmt.Errorf("entitlement: signature mismatch")
	}
	return nil
}
