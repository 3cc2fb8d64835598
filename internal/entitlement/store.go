// Package entitlement implements the plan-agnostic authorization and
// limit-checking evaluator (C2): a per-app_id manifest store with
// atomic swap-on-write, capability/limit queries, and enforcement-mode
// aware denial helpers.
package entitlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/pkg/runtime"
)

// defaultManifest is handed out for any app_id with no configured
// manifest (OSS/self-host mode), per spec §4.2.
func defaultManifest(appID string) *runtime.Manifest {
	return &runtime.Manifest{
		Version: "default",
		AppID:   appID,
		Plan:    runtime.Plan{Tier: runtime.TierFree, Status: "active"},
		Capabilities: map[string]bool{
			"cap.workflow.basic": true,
			"cap.tool.basic":     true,
			"cap.artifact.view":  true,
		},
		Limits: map[string]int64{
			"tokens.monthly":   1_000_000,
			"requests.monthly": 100_000,
		},
		Enforcement: runtime.EnforcementWarn,
		Source:      runtime.SourceDefault,
		LoadedAt:    time.Now().UTC(),
	}
}

// Store holds one atomically-swappable manifest per app_id. Reads
// never block writes and vice versa; a sync call replaces the whole
// manifest in one atomic pointer swap, never mutates it in place.
type Store struct {
	mu        sync.RWMutex
	manifests map[string]*atomic.Pointer[runtime.Manifest]

	audit     *audit.Logger
	verifier  SignatureVerifier
}

// SignatureVerifier validates a manifest's signature against a
// configured signing key. A nil verifier disables signature checks
// (self-host mode with no signing key configured).
type SignatureVerifier interface {
	Verify(manifest *runtime.Manifest) error
}

// NewStore constructs an empty entitlement store.
func NewStore(auditLogger *audit.Logger, verifier SignatureVerifier) *Store {
	return &Store{
		manifests: make(map[string]*atomic.Pointer[runtime.Manifest]),
		audit:     auditLogger,
		verifier:  verifier,
	}
}

// Sync validates and atomically installs a manifest pushed by the
// platform or loaded from a local file.
func (s *Store) Sync(ctx context.Context, manifest *runtime.Manifest) error {
	if manifest == nil || manifest.AppID == "" {
		return fmt.Errorf("entitlement: manifest missing app_id")
	}
	if err := validateManifestSchema(manifest); err != nil {
		s.logRejected(ctx, manifest.AppID, err.Error())
		return fmt.Errorf("entitlement: invalid manifest: %w", err)
	}
	if s.verifier != nil {
		if err := s.verifier.Verify(manifest); err != nil {
			s.logRejected(ctx, manifest.AppID, "signature verification failed")
			return fmt.Errorf("entitlement: %w", err)
		}
	}

	ptr := s.pointerFor(manifest.AppID)
	ptr.Store(manifest)
	return nil
}

func (s *Store) logRejected(ctx context.Context, appID, detail string) {
	if s.audit != nil {
		s.audit.Log(ctx, audit.Event{Type: audit.EventManifestRejected, AppID: appID, Detail: detail})
	}
}

func (s *Store) pointerFor(appID string) *atomic.Pointer[runtime.Manifest] {
	s.mu.RLock()
	ptr, ok := s.manifests[appID]
	s.mu.RUnlock()
	if ok {
		return ptr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ptr, ok = s.manifests[appID]; ok {
		return ptr
	}
	ptr = &atomic.Pointer[runtime.Manifest]{}
	s.manifests[appID] = ptr
	return ptr
}

// Get returns the active manifest for app_id, or a default permissive
// manifest when none has been synced.
func (s *Store) Get(appID string) *runtime.Manifest {
	ptr := s.pointerFor(appID)
	if m := ptr.Load(); m != nil {
		return m
	}
	return defaultManifest(appID)
}

func validateManifestSchema(m *runtime.Manifest) error {
	for cap := range m.Capabilities {
		if len(cap) < 4 || cap[:4] != "cap." {
			return fmt.Errorf("capability %q must start with cap.", cap)
		}
	}
	switch m.Enforcement {
	case runtime.EnforcementNone, runtime.EnforcementWarn, runtime.EnforcementSoft, runtime.EnforcementHard, "":
	default:
		return fmt.Errorf("unknown enforcement mode %q", m.Enforcement)
	}
	return nil
}
