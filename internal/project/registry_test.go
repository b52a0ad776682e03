package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateProjectID(t *testing.T) {
	valid := []string{"demo", "demo.app", "demo-app", "a--b"}
	for _, id := range valid {
		require.NoError(t, ValidateProjectID(id), id)
	}

	invalid := []string{"", "..", "../x", "a/b", "a\\b", "a\x00b"}
	for _, id := range invalid {
		require.Error(t, ValidateProjectID(id), id)
	}
}

func TestRegistryDiscoversMarkedDirectories(t *testing.T) {
	base := t.TempDir()

	withMarker := filepath.Join(base, "has-go-mod")
	require.NoError(t, os.MkdirAll(withMarker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(withMarker, "go.mod"), []byte("module x\n"), 0o644))

	withoutMarker := filepath.Join(base, "plain-dir")
	require.NoError(t, os.MkdirAll(withoutMarker, 0o755))

	reg, err := NewRegistry(base)
	require.NoError(t, err)

	projects := reg.List()
	require.Len(t, projects, 1)
	require.Equal(t, "has-go-mod", projects[0].ID)
}

func TestRegistryGetRejectsTraversal(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	_, ok := reg.Get("../etc")
	require.False(t, ok)
}
