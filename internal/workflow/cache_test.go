package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, root, appID, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, appID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const simpleBundle = `
name: simple
agents:
  - name: only
    system_prompt_template: "v1"
    llm_profile:
      provider: openai
      model: gpt-4o
`

func TestCacheGetCachesAndReloadsOnMtimeChange(t *testing.T) {
	root := t.TempDir()
	path := writeBundle(t, root, "app1", "simple", simpleBundle)

	cache := NewCache(root)
	first, err := cache.Get("app1", "simple")
	require.NoError(t, err)
	require.Equal(t, "v1", first.Bundle.Agents[0].SystemPromptTemplate)

	second, err := cache.Get("app1", "simple")
	require.NoError(t, err)
	require.Same(t, first, second)

	time.Sleep(10 * time.Millisecond)
	updated := `
name: simple
agents:
  - name: only
    system_prompt_template: "v2"
    llm_profile:
      provider: openai
      model: gpt-4o
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	third, err := cache.Get("app1", "simple")
	require.NoError(t, err)
	require.Equal(t, "v2", third.Bundle.Agents[0].SystemPromptTemplate)
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "app1", "simple", simpleBundle)

	cache := NewCache(root)
	first, err := cache.Get("app1", "simple")
	require.NoError(t, err)

	cache.Invalidate("app1", "simple")
	second, err := cache.Get("app1", "simple")
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestCacheGetMissingBundleErrors(t *testing.T) {
	root := t.TempDir()
	cache := NewCache(root)
	_, err := cache.Get("app1", "missing")
	require.Error(t, err)
}

func TestSplitBundlePath(t *testing.T) {
	appID, name, ok := splitBundlePath("/root", "/root/app1/simple.yaml")
	require.True(t, ok)
	require.Equal(t, "app1", appID)
	require.Equal(t, "simple", name)

	_, _, ok = splitBundlePath("/root", "/root/simple.yaml")
	require.False(t, ok)
}
