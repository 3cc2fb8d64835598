package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/usage"
)

// StartRequest is the input to Preflight.Check / Orchestrator.Start,
// mirroring the HTTP start endpoint's body from spec §6.1.
type StartRequest struct {
	AppID             string
	WorkflowName      string
	UserID            string
	ClientRequestID   string
	ForceNew          bool
	RequiredMinTokens int64
}

// PrerequisiteChecker reports whether appID's user has a completed run
// of prerequisiteWorkflow, gating a workflow configured to require one.
type PrerequisiteChecker interface {
	Completed(ctx context.Context, appID, userID, workflowName string) (bool, error)
}

// idempotencyKey identifies a start request for dedup purposes.
type idempotencyKey struct {
	AppID, UserID, WorkflowName, ClientRequestID string
}

// IdempotencyStore records the chat_id minted for a given start key so
// a repeated (non-force_new) start request reuses the same run instead
// of minting a new one, per spec §4.7 / §8.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[idempotencyKey]idempotencyEntry
	window  time.Duration
}

type idempotencyEntry struct {
	chatID string
	at     time.Time
}

// NewIdempotencyStore builds an in-memory idempotency store with the
// given reuse window.
func NewIdempotencyStore(window time.Duration) *IdempotencyStore {
	return &IdempotencyStore{entries: map[idempotencyKey]idempotencyEntry{}, window: window}
}

// Lookup returns a previously recorded chat_id for the key if one was
// recorded within the reuse window.
func (s *IdempotencyStore) Lookup(req StartRequest) (string, bool) {
	if req.ClientRequestID == "" {
		return "", false
	}
	key := idempotencyKey{req.AppID, req.UserID, req.WorkflowName, req.ClientRequestID}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || time.Since(entry.at) > s.window {
		return "", false
	}
	return entry.chatID, true
}

// Record associates key with chatID for the reuse window.
func (s *IdempotencyStore) Record(req StartRequest, chatID string) {
	if req.ClientRequestID == "" {
		return
	}
	key := idempotencyKey{req.AppID, req.UserID, req.WorkflowName, req.ClientRequestID}
	s.mu.Lock()
	s.entries[key] = idempotencyEntry{chatID: chatID, at: time.Now()}
	s.mu.Unlock()
}

// Preflight implements the capability/token/prerequisite checks run
// before a workflow start is accepted, per spec §4.7.
type Preflight struct {
	entitlements  *entitlement.Evaluator
	counters      *usage.CounterStore
	prerequisites PrerequisiteChecker
	prereqConfig  map[string]string // workflow_name -> required prerequisite workflow_name
	tokenPeriod   string
}

// NewPreflight constructs a Preflight. prereqConfig maps a workflow
// name to the name of a workflow that must be completed first;
// workflows absent from the map have no prerequisite.
func NewPreflight(entitlements *entitlement.Evaluator, counters *usage.CounterStore, prerequisites PrerequisiteChecker, prereqConfig map[string]string, tokenPeriod string) *Preflight {
	if prereqConfig == nil {
		prereqConfig = map[string]string{}
	}
	if tokenPeriod == "" {
		tokenPeriod = "monthly"
	}
	return &Preflight{
		entitlements:  entitlements,
		counters:      counters,
		prerequisites: prerequisites,
		prereqConfig:  prereqConfig,
		tokenPeriod:   tokenPeriod,
	}
}

// Check runs the capability, token, and prerequisite checks for req,
// returning ErrTokensInsufficient or ErrPrerequisiteNotMet on failure.
func (p *Preflight) Check(ctx context.Context, req StartRequest) error {
	capability := "cap.workflow." + req.WorkflowName
	if err := p.entitlements.RequireCapability(ctx, req.AppID, req.UserID, capability); err != nil {
		return err
	}

	if req.RequiredMinTokens > 0 {
		used := p.counters.Get(req.AppID, req.UserID, p.tokenPeriod)
		remaining := p.entitlements.RemainingTokens(ctx, req.AppID, used)
		if remaining >= 0 && remaining < req.RequiredMinTokens {
			return fmt.Errorf("%w: need %d, have %d", ErrTokensInsufficient, req.RequiredMinTokens, remaining)
		}
	}

	if prereq, ok := p.prereqConfig[req.WorkflowName]; ok && prereq != "" {
		if p.prerequisites == nil {
			return fmt.Errorf("%w: no prerequisite checker configured", ErrPrerequisiteNotMet)
		}
		done, err := p.prerequisites.Completed(ctx, req.AppID, req.UserID, prereq)
		if err != nil {
			return fmt.Errorf("orchestrator: check prerequisite %q: %w", prereq, err)
		}
		if !done {
			return fmt.Errorf("%w: %q", ErrPrerequisiteNotMet, prereq)
		}
	}

	return nil
}
