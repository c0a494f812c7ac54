package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"henkand/internal/document"
)

func TestEnsureDictionaryWritesStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict", "dictionary.json")

	wrote, err := EnsureDictionary(path)
	require.NoError(t, err)
	assert.True(t, wrote, "first call should write the starter dictionary")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The starter file must pass the engine's own schema validation and
	// convert the canonical example.
	eng, err := NewDictionary(path, DictionaryOptions{})
	require.NoError(t, err)
	defer eng.Close()
	require.NotZero(t, eng.Len())

	buf := document.NewBuffer("hello world ")
	require.NoError(t, eng.Start(buf, 12, "konna"))
	cur, ok := eng.Current()
	require.True(t, ok)
	assert.Equal(t, "こんな", cur)
	eng.Abort()
}

func TestEnsureDictionaryKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictionary.json")
	custom := []byte(`{"version": 1, "entries": {"a": ["b"]}}`)
	require.NoError(t, os.WriteFile(path, custom, 0600))

	wrote, err := EnsureDictionary(path)
	require.NoError(t, err)
	assert.False(t, wrote, "existing dictionary must not be replaced")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, custom, data)
}
