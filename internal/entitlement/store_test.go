package entitlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func TestStoreGetReturnsDefaultManifestWhenUnsynced(t *testing.T) {
	store := NewStore(nil, nil)
	m := store.Get("a_1")
	require.Equal(t, "a_1", m.AppID)
	require.True(t, m.Has("cap.workflow.basic"))
	require.False(t, m.Has("cap.tool.advanced"))
}

func TestStoreSyncReplacesManifestAtomically(t *testing.T) {
	store := NewStore(nil, nil)
	err := store.Sync(context.Background(), &runtime.Manifest{
		AppID:        "a_1",
		Capabilities: map[string]bool{"cap.tool.advanced": true},
		Enforcement:  runtime.EnforcementHard,
	})
	require.NoError(t, err)

	m := store.Get("a_1")
	require.True(t, m.Has("cap.tool.advanced"))
	require.False(t, m.Has("cap.workflow.basic"))
}

func TestStoreSyncRejectsBadCapabilityPrefix(t *testing.T) {
	store := NewStore(nil, nil)
	err := store.Sync(context.Background(), &runtime.Manifest{
		AppID:        "a_1",
		Capabilities: map[string]bool{"workflow.basic": true},
	})
	require.Error(t, err)
}

func TestStoreSyncRejectsUnknownEnforcement(t *testing.T) {
	store := NewStore(nil, nil)
	err := store.Sync(context.Background(), &runtime.Manifest{
		AppID:       "a_1",
		Enforcement: "extreme",
	})
	require.Error(t, err)
}

func TestStoreSyncVerifiesSignatureWhenConfigured(t *testing.T) {
	verifier := &HMACVerifier{Key: []byte("signing-key")}
	store := NewStore(nil, verifier)

	err := store.Sync(context.Background(), &runtime.Manifest{AppID: "a_1"})
	require.Error(t, err)
}
