package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/internal/ratelimit"
	"github.com/mozaiks/core/pkg/runtime"
)

// Sentinel errors for the Require* helpers, matching spec §7's
// authorization/entitlement error family.
var (
	ErrCapabilityDenied = errors.New("CAPABILITY_DENIED")
	ErrLimitExceeded    = errors.New("LIMIT_EXCEEDED")
	ErrTenantIsolation  = errors.New("TENANT_ISOLATION")
)

// Evaluator wraps a Store with the capability/limit query surface and
// audit integration described in spec §4.2.
type Evaluator struct {
	store *Store
	audit *audit.Logger

	rateBuckets sync.Map // "appID:limitID" -> *ratelimit.Bucket
}

// NewEvaluator constructs an Evaluator over an entitlement Store.
func NewEvaluator(store *Store, auditLogger *audit.Logger) *Evaluator {
	return &Evaluator{store: store, audit: auditLogger}
}

// RequireRateLimit enforces manifest.RateLimits[limitID], a requests-
// per-minute ceiling distinct from the cumulative quotas CheckLimit
// guards — a chat can be under its monthly token budget and still be
// hammering the endpoint faster than the plan allows. Each (app,
// limitID) pair gets its own token bucket, sized from the manifest the
// first time that pair is seen; the bucket is kept for the life of the
// Evaluator, so a later manifest sync that changes the configured rate
// does not resize it.
func (e *Evaluator) RequireRateLimit(ctx context.Context, appID, userID, limitID string) error {
	manifest := e.store.Get(appID)
	perMinute, configured := manifest.RateLimits[limitID]
	if !configured || perMinute < 0 {
		return nil
	}

	key := appID + ":" + limitID
	bucketAny, _ := e.rateBuckets.LoadOrStore(key, ratelimit.NewBucket(ratelimit.Config{
		RequestsPerSecond: float64(perMinute) / 60,
		BurstSize:         int(perMinute),
		Enabled:           true,
	}))
	bucket := bucketAny.(*ratelimit.Bucket)

	if bucket.Allow() {
		if e.audit != nil {
			e.audit.RecordCheck(ctx, appID, userID, "rate."+limitID, audit.ResultAllowed, "")
		}
		return nil
	}

	result := audit.ResultDenied
	if manifest.Enforcement == runtime.EnforcementWarn {
		result = audit.ResultWarned
	}
	if e.audit != nil {
		e.audit.RecordCheck(ctx, appID, userID, "rate."+limitID, result, "rate limit exceeded")
	}
	switch manifest.Enforcement {
	case runtime.EnforcementNone, runtime.EnforcementWarn:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLimitExceeded, limitID)
	}
}

// Has reports whether appID's active manifest grants capability, and
// writes a structured audit record either way.
func (e *Evaluator) Has(ctx context.Context, appID, userID, capability string) bool {
	manifest := e.store.Get(appID)
	allowed := manifest.Has(capability)
	result := audit.ResultDenied
	if allowed {
		result = audit.ResultAllowed
	}
	if e.audit != nil {
		e.audit.RecordCheck(ctx, appID, userID, capability, result, "")
	}
	return allowed
}

// RequireCapability returns ErrCapabilityDenied when the manifest does
// not grant capability, modulated by the manifest's enforcement mode:
// "none" never denies, "warn" audits but never denies, "soft"/"hard"
// both deny (soft is expected to be paired with a degraded response by
// the caller, hard aborts the operation outright).
func (e *Evaluator) RequireCapability(ctx context.Context, appID, userID, capability string) error {
	manifest := e.store.Get(appID)
	if manifest.Has(capability) {
		if e.audit != nil {
			e.audit.RecordCheck(ctx, appID, userID, capability, audit.ResultAllowed, "")
		}
		return nil
	}

	switch manifest.Enforcement {
	case runtime.EnforcementNone:
		return nil
	case runtime.EnforcementWarn:
		if e.audit != nil {
			e.audit.RecordCheck(ctx, appID, userID, capability, audit.ResultWarned, "capability not granted, enforcement=warn")
		}
		return nil
	default: // soft, hard
		if e.audit != nil {
			e.audit.RecordCheck(ctx, appID, userID, capability, audit.ResultDenied, "capability not granted")
		}
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, capability)
	}
}

// CheckLimit reports whether currentUsage is within limitID's
// configured bound. -1 means unlimited.
func (e *Evaluator) CheckLimit(ctx context.Context, appID, userID, limitID string, currentUsage int64) (ok bool, limit int64) {
	manifest := e.store.Get(appID)
	limit, configured := manifest.Limit(limitID)
	if !configured || limit < 0 {
		return true, limit
	}
	ok = currentUsage < limit
	result := audit.ResultAllowed
	if !ok {
		result = audit.ResultExceeded
	}
	if e.audit != nil {
		e.audit.RecordCheck(ctx, appID, userID, "limit."+limitID, result, "")
	}
	return ok, limit
}

// RequireLimit returns ErrLimitExceeded under the same enforcement
// rules as RequireCapability.
func (e *Evaluator) RequireLimit(ctx context.Context, appID, userID, limitID string, currentUsage int64) error {
	manifest := e.store.Get(appID)
	ok, _ := e.CheckLimit(ctx, appID, userID, limitID, currentUsage)
	if ok {
		return nil
	}
	switch manifest.Enforcement {
	case runtime.EnforcementNone, runtime.EnforcementWarn:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLimitExceeded, limitID)
	}
}

// RemainingTokens returns appID's remaining monthly token budget given
// used tokens already consumed, or -1 when the budget is unlimited.
func (e *Evaluator) RemainingTokens(ctx context.Context, appID string, used int64) int64 {
	manifest := e.store.Get(appID)
	limit := manifest.TokenBudget.TotalTokens.Limit
	if limit < 0 {
		return -1
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RequireSameTenant validates the caller's app_id against a resource's
// app_id, auditing and rejecting on mismatch.
func (e *Evaluator) RequireSameTenant(ctx context.Context, callerAppID, resourceAppID, resource string) error {
	if callerAppID == resourceAppID {
		return nil
	}
	if e.audit != nil {
		e.audit.RecordTenantIsolation(ctx, resourceAppID, callerAppID, resource)
	}
	return fmt.Errorf("%w: resource belongs to a different app", ErrTenantIsolation)
}
