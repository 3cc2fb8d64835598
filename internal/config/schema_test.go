package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONSchemaIsStableAndWellFormed(t *testing.T) {
	first, err := JSONSchema()
	require.NoError(t, err)
	require.Contains(t, string(first), "AuthConfig")

	second, err := JSONSchema()
	require.NoError(t, err)
	require.Equal(t, first, second)
}
