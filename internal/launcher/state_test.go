package launcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/pgwire"
)

func sampleState() *InheritedState {
	return &InheritedState{
		Role:          consts.RoleWorker,
		ConnFD:        3,
		Protocol:      pgwire.VersionLatest,
		Database:      "orders",
		User:          "alice",
		Options:       "-S 2048",
		SessionEnv:    []string{"application_name=psql", "client_encoding=UTF8"},
		RemoteAddr:    "10.0.0.7:49152",
		LocalAddr:     "10.0.0.1:5454",
		Admission:     consts.AdmitOK,
		CancelKey:     -559038737,
		CryptSalt:     [2]byte{'Q', 'z'},
		MD5Salt:       [4]byte{1, 2, 254, 255},
		DataDir:       "/var/lib/moray",
		ListenFDs:     []int32{4, 5, 6},
		SharedMemKey:  5454001,
		SharedMemID:   90210,
		LockTableAddr: 0x7f32_0040_1000,
		ProcTableAddr: 0x7f32_0060_2000,
		DebugLevel:    2,
		SupervisorPID: 4242,
		LogPipeFD:     -1,
		ExecPath:      "/usr/local/bin/morayd",
		ExtraOptions:  "-o -F",
		LCCollate:     "en_US.UTF-8",
		LCCtype:       "C",
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleState()

	path, err := WriteSnapshot(dir, want)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), consts.TempSnapshotPrefix)

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "snapshot must be single-use")
}

func TestSnapshotRoundTripZeroValues(t *testing.T) {
	dir := t.TempDir()
	want := &InheritedState{Role: consts.RoleBgWriter, ConnFD: -1, LogPipeFD: -1}

	path, err := WriteSnapshot(dir, want)
	require.NoError(t, err)
	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadSnapshotRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot, definitely"), 0o600))

	_, err := ReadSnapshot(path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "malformed snapshots are removed too")
}

func TestReadSnapshotRejectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteSnapshot(dir, sampleState())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	os.Remove(path)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, data[:len(data)-5], 0o600))
	_, err = ReadSnapshot(short)
	assert.Error(t, err)
}

func TestReadSnapshotRejectsTrailingBytes(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteSnapshot(dir, sampleState())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	os.Remove(path)

	long := filepath.Join(dir, "long")
	require.NoError(t, os.WriteFile(long, append(data, 0xff), 0o600))
	_, err = ReadSnapshot(long)
	assert.Error(t, err)
}

func TestSnapshotNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	p1, err := WriteSnapshot(dir, st)
	require.NoError(t, err)
	p2, err := WriteSnapshot(dir, st)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}
