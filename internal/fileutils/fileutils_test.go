package fileutils_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/fileutils"
)

func TestFileExists(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test"), 0600))

	assert.True(t, fileutils.FileExists(testFile))
	assert.False(t, fileutils.FileExists(filepath.Join(tmpDir, "nonexistent.txt")))
	// Directories are not files
	assert.False(t, fileutils.FileExists(tmpDir))
}

func TestDirectoryExists(t *testing.T) {
	tmpDir := t.TempDir()

	assert.True(t, fileutils.DirectoryExists(tmpDir))
	assert.False(t, fileutils.DirectoryExists(filepath.Join(tmpDir, "nonexistent")))

	testFile := filepath.Join(tmpDir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test"), 0600))
	assert.False(t, fileutils.DirectoryExists(testFile))
}

func TestEnsureDirectoryExists(t *testing.T) {
	tmpDir := t.TempDir()

	newDir := filepath.Join(tmpDir, "new", "nested", "dir")
	require.NoError(t, fileutils.EnsureDirectoryExists(newDir))
	assert.True(t, fileutils.DirectoryExists(newDir))

	// Existing directories are left alone
	assert.NoError(t, fileutils.EnsureDirectoryExists(newDir))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "rules.yaml")

	require.NoError(t, fileutils.WriteFile(path, []byte("rules: []\n"), 0600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rules: []\n", string(data))
}

func TestFindFile(t *testing.T) {
	tmpDir := t.TempDir()
	second := filepath.Join(tmpDir, "second.yaml")
	require.NoError(t, os.WriteFile(second, []byte("x"), 0600))

	found, err := fileutils.FindFile(filepath.Join(tmpDir, "first.yaml"), tmpDir, second)
	require.NoError(t, err)
	assert.Equal(t, second, found)

	_, err = fileutils.FindFile(filepath.Join(tmpDir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
