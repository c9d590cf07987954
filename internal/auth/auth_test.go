package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadReadsConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	hba := filepath.Join(dir, "moray_hba.conf")
	user := filepath.Join(dir, "moray_user")
	writeFile(t, hba, "host all all 127.0.0.1/32 trust\n")
	writeFile(t, user, "alice:x\n")

	tables := NewTables(hba, user, "")
	tables.Reload()

	assert.Equal(t, "host all all 127.0.0.1/32 trust\n", string(tables.HBA()))
	assert.Equal(t, "alice:x\n", string(tables.User()))
	assert.Empty(t, tables.Group())
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	hba := filepath.Join(dir, "moray_hba.conf")
	writeFile(t, hba, "v1\n")

	tables := NewTables(hba, "", "")
	tables.Reload()
	require.Equal(t, "v1\n", string(tables.HBA()))

	require.NoError(t, os.Remove(hba))
	tables.Reload()
	assert.Equal(t, "v1\n", string(tables.HBA()), "missing file must not clear the cache")

	writeFile(t, hba, "v2\n")
	tables.Reload()
	assert.Equal(t, "v2\n", string(tables.HBA()))
}

func TestSnapshotIsACopy(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "moray_user")
	writeFile(t, user, "bob:y\n")

	tables := NewTables("", user, "")
	tables.Reload()

	got := tables.User()
	got[0] = 'X'
	assert.Equal(t, "bob:y\n", string(tables.User()))
}
