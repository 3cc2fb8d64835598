package runtime

import "time"

// PlanTier enumerates the subscription tiers a manifest's plan can carry.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierStarter    PlanTier = "starter"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
	TierUnlimited  PlanTier = "unlimited"
)

// EnforcementMode controls how a limit check behaves once exceeded.
type EnforcementMode string

const (
	EnforcementNone EnforcementMode = "none"
	EnforcementWarn EnforcementMode = "warn"
	EnforcementSoft EnforcementMode = "soft"
	EnforcementHard EnforcementMode = "hard"
)

// ManifestSource records where an entitlement manifest came from.
type ManifestSource string

const (
	SourcePlatform ManifestSource = "platform"
	SourceFile     ManifestSource = "file"
	SourceDefault  ManifestSource = "default"
)

// Plan describes the commercial plan backing a manifest.
type Plan struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Tier      PlanTier   `json:"tier"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TokenBudget describes the monthly (or unlimited) LLM token allowance.
type TokenBudget struct {
	Period      string `json:"period"` // monthly | unlimited
	TotalTokens struct {
		Limit       int64           `json:"limit"`
		Used        int64           `json:"used"`
		Enforcement EnforcementMode `json:"enforcement"`
	} `json:"total_tokens"`
}

// Manifest is the authoritative per-app (optionally per-user) record of
// capabilities, limits, plan, and features. Exactly one manifest is
// active per (app_id, user_id?) at a time; it is replaced atomically.
type Manifest struct {
	Version      string          `json:"version"`
	AppID        string          `json:"app_id"`
	TenantID     string          `json:"tenant_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Plan         Plan             `json:"plan"`
	Capabilities map[string]bool  `json:"capabilities"`
	Limits       map[string]int64 `json:"limits"`
	TokenBudget  TokenBudget      `json:"token_budget"`
	Features     map[string]bool  `json:"features"`
	RateLimits   map[string]int64 `json:"rate_limits"`
	Enforcement  EnforcementMode  `json:"enforcement"`
	Signature    string           `json:"signature,omitempty"`
	Source       ManifestSource   `json:"source"`
	LoadedAt     time.Time        `json:"loaded_at"`
}

// Has reports whether the manifest grants the literal capability string.
func (m *Manifest) Has(capability string) bool {
	if m == nil || m.Capabilities == nil {
		return false
	}
	return m.Capabilities[capability]
}

// Limit returns the configured limit for limitID, or (0, false) when unset.
// -1 means unlimited.
func (m *Manifest) Limit(limitID string) (int64, bool) {
	if m == nil || m.Limits == nil {
		return 0, false
	}
	v, ok := m.Limits[limitID]
	return v, ok
}

// AuditResult enumerates the outcome recorded for a capability check.
type AuditResult string

const (
	AuditAllowed  AuditResult = "allowed"
	AuditDenied   AuditResult = "denied"
	AuditWarned   AuditResult = "warned"
	AuditExceeded AuditResult = "exceeded"
)

// AuditRecord is the structured record written for every entitlement
// check, per spec §4.2.
type AuditRecord struct {
	Timestamp  time.Time   `json:"ts"`
	AppID      string      `json:"app_id"`
	UserID     string      `json:"user_id,omitempty"`
	Capability string      `json:"capability,omitempty"`
	Result     AuditResult `json:"result"`
	Detail     string      `json:"detail,omitempty"`
}
