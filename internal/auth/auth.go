// Package auth caches authentication support files in supervisor
// memory so freshly spawned workers inherit a consistent view without
// re-reading the files themselves.
package auth

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/moraydb/moray/pkg/logger"
)

// Tables holds the raw contents of the access-control files. The
// supervisor treats them as opaque blobs; workers parse them.
type Tables struct {
	mu    sync.RWMutex
	paths struct {
		hba, user, group string
	}
	hba   []byte
	user  []byte
	group []byte
}

// NewTables builds a cache over the given file paths. Empty paths are
// permitted and yield empty tables.
func NewTables(hbaFile, userFile, groupFile string) *Tables {
	t := &Tables{}
	t.paths.hba = hbaFile
	t.paths.user = userFile
	t.paths.group = groupFile
	return t
}

// Reload re-reads every configured file. A missing or unreadable file
// keeps its previous contents, so a botched edit cannot lock everyone
// out mid-flight.
func (t *Tables) Reload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hba = reloadOne(t.paths.hba, t.hba, "hba")
	t.user = reloadOne(t.paths.user, t.user, "user")
	t.group = reloadOne(t.paths.group, t.group, "group")
}

func reloadOne(path string, prev []byte, kind string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Log.Warn("keeping previous auth table", "kind", kind, "path", path, "err", err)
		return prev
	}
	return data
}

// HBA returns the cached host-based access rules.
func (t *Tables) HBA() []byte { return t.snapshot(&t.hba) }

// User returns the cached flat user table.
func (t *Tables) User() []byte { return t.snapshot(&t.user) }

// Group returns the cached group table.
func (t *Tables) Group() []byte { return t.snapshot(&t.group) }

func (t *Tables) snapshot(field *[]byte) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]byte, len(*field))
	copy(out, *field)
	return out
}

// Watch reloads the tables whenever one of the underlying files
// changes. It runs until the stopper begins shutdown.
func (t *Tables) Watch(sctx *stopper.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, p := range []string{t.paths.hba, t.paths.user, t.paths.group} {
		if p == "" {
			continue
		}
		if err := watcher.Add(p); err != nil {
			logger.Log.Warn("cannot watch auth file", "path", p, "err", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}
	sctx.Go(func(sctx *stopper.Context) error {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Log.Info("auth file changed, reloading", "path", ev.Name)
					t.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Log.Warn("auth file watcher error", "err", err)
			case <-sctx.Stopping():
				return nil
			}
		}
	})
	return nil
}
