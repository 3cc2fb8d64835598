package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/internal/config"
	"github.com/mozaiks/core/pkg/runtime"
)

func TestExecutionMinterRoundTrip(t *testing.T) {
	minter := NewExecutionMinter(config.ExecutionTokenConfig{Secret: "exec-secret", ExpireMinutes: 10})

	token, err := minter.Mint(runtime.ExecutionTokenClaims{
		Subject:      "u_1",
		AppID:        "a_1",
		ChatID:       "c_1",
		CapabilityID: "cap.tool.export",
	})
	require.NoError(t, err)

	claims, err := minter.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "u_1", claims.Subject)
	require.Equal(t, "a_1", claims.AppID)
	require.Equal(t, "execution", claims.TokenUse)
}

func TestExecutionMinterRejectsForeignToken(t *testing.T) {
	a := NewExecutionMinter(config.ExecutionTokenConfig{Secret: "secret-a"})
	b := NewExecutionMinter(config.ExecutionTokenConfig{Secret: "secret-b"})

	token, err := a.Mint(runtime.ExecutionTokenClaims{Subject: "u_1", CapabilityID: "cap.tool.export"})
	require.NoError(t, err)

	_, err = b.Validate(token)
	require.Error(t, err)
}

func TestExecutionMinterRejectsNonExecutionToken(t *testing.T) {
	minter := NewExecutionMinter(config.ExecutionTokenConfig{Secret: "exec-secret"})
	resolver := NewResolver(config.AuthConfig{Mode: "local", LocalSecret: "exec-secret"})
	_ = resolver

	userToken := signLocal(t, "exec-secret", &Claims{})
	_, err := minter.Validate(userToken)
	require.Error(t, err)
}
