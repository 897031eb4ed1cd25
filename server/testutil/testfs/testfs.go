package testfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// MakeTempDir creates a directory that is removed when the test finishes.
func MakeTempDir(t testing.TB) string {
	tmpDir, err := os.MkdirTemp("", "contentcache-test-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Logf("Failed to clean up temp dir %s: %s", tmpDir, err)
		}
	})
	return tmpDir
}

// MakeDirAll creates dir (and any parents) relative to rootDir.
func MakeDirAll(t testing.TB, rootDir, dir string) string {
	path := filepath.Join(rootDir, dir)
	err := os.MkdirAll(path, 0755)
	require.NoError(t, err)
	return path
}

// WriteAllFileContents writes each relPath => content pair under rootDir,
// creating parent directories as needed.
func WriteAllFileContents(t testing.TB, rootDir string, contents map[string]string) {
	for relPath, content := range contents {
		path := filepath.Join(rootDir, relPath)
		err := os.MkdirAll(filepath.Dir(path), 0755)
		require.NoError(t, err)
		err = os.WriteFile(path, []byte(content), 0644)
		require.NoError(t, err)
	}
}

func ReadFileAsString(t testing.TB, rootDir, relPath string) string {
	b, err := os.ReadFile(filepath.Join(rootDir, relPath))
	require.NoError(t, err)
	return string(b)
}

func Exists(t testing.TB, rootDir, relPath string) bool {
	_, err := os.Stat(filepath.Join(rootDir, relPath))
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}
