// Package datadir manages the supervisor's footprint in the data
// directory: the exclusive-ownership lock file, the human-readable
// options record, transient state-transfer files, and the flag files
// behind out-of-band supervisor messages.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/errors"
	"github.com/moraydb/moray/pkg/logger"
)

// Dir is a validated data directory.
type Dir struct {
	path string
}

// Open checks that path exists and is a directory.
func Open(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "datadir.Open",
			fmt.Sprintf("data directory %q is not accessible", path), err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "datadir.Open",
			fmt.Sprintf("%q is not a directory", path), nil)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string { return d.path }

func (d *Dir) lockFilePath() string {
	return filepath.Join(d.path, consts.LockFileName)
}

// AcquireLock asserts exclusive ownership of the data directory. A
// lock file naming a still-living process is an error; a stale one is
// replaced.
func (d *Dir) AcquireLock(pid int) error {
	path := d.lockFilePath()
	if data, err := os.ReadFile(path); err == nil {
		if oldPid := parseLockPid(data); oldPid > 0 && oldPid != pid && processAlive(oldPid) {
			return errors.New(errors.ErrCodeLockFileHeld, "datadir.AcquireLock",
				fmt.Sprintf("lock file %q exists and process %d is running", path, oldPid), nil)
		}
		logger.Log.Warn("removing stale lock file", "path", path)
	}
	body := fmt.Sprintf("%d\n%s\n%d\n", pid, d.path, time.Now().Unix())
	if err := renameio.WriteFile(path, []byte(body), 0o600); err != nil {
		return errors.New(errors.ErrCodeLockFileWrite, "datadir.AcquireLock",
			"writing lock file", err)
	}
	return nil
}

// ReadLockPid returns the pid recorded in the lock file.
func (d *Dir) ReadLockPid() (int, error) {
	data, err := os.ReadFile(d.lockFilePath())
	if err != nil {
		return 0, err
	}
	pid := parseLockPid(data)
	if pid <= 0 {
		return 0, fmt.Errorf("lock file %q holds no pid", d.lockFilePath())
	}
	return pid, nil
}

// ReleaseLock removes the lock file on orderly exit.
func (d *Dir) ReleaseLock() {
	os.Remove(d.lockFilePath())
}

func parseLockPid(data []byte) int {
	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// WriteOptsFile records the supervisor invocation once at startup, so
// operators and restart tooling can see exactly how it was launched.
func (d *Dir) WriteOptsFile(argv []string) error {
	var b strings.Builder
	if len(argv) > 0 {
		b.WriteString(argv[0])
		for _, a := range argv[1:] {
			fmt.Fprintf(&b, " '%s'", a)
		}
	}
	b.WriteString("\n")
	path := filepath.Join(d.path, consts.OptsFileName)
	return renameio.WriteFile(path, []byte(b.String()), 0o600)
}

// WriteExternalPidFile writes the supervisor pid to an operator-chosen
// location outside the data directory. Best effort.
func WriteExternalPidFile(path string, pid int) {
	if path == "" {
		return
	}
	if err := renameio.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		logger.Log.Warn("could not write external pid file", "path", path, "err", err)
	}
}

// Touch refreshes the timestamps on the lock file and the socket
// marker, so overzealous tmp-cleaning tools do not reap them.
func (d *Dir) Touch(socketPath string) {
	now := time.Now()
	for _, p := range []string{d.lockFilePath(), socketPath} {
		if p == "" {
			continue
		}
		if err := os.Chtimes(p, now, now); err != nil && !os.IsNotExist(err) {
			logger.Log.Warn("could not touch file", "path", p, "err", err)
		}
	}
}

// TempDir returns the directory used for transient state-transfer
// files, creating it when missing.
func (d *Dir) TempDir() (string, error) {
	dir := filepath.Join(d.path, consts.TempFilesDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// RemoveTempFiles clears leftover state-transfer files. At startup no
// other moray process can be running in this directory, so this is safe.
func (d *Dir) RemoveTempFiles() {
	dir := filepath.Join(d.path, consts.TempFilesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), consts.TempSnapshotPrefix) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// RaiseFlag records an out-of-band supervisor message. Children write
// the flag, then signal the supervisor, which consumes it.
func (d *Dir) RaiseFlag(name string) error {
	dir := filepath.Join(d.path, consts.SignalFlagDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, name), []byte{}, 0o600)
}

// ConsumeFlag reports whether the named flag was raised, clearing it.
func (d *Dir) ConsumeFlag(name string) bool {
	path := filepath.Join(d.path, consts.SignalFlagDir, name)
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}
