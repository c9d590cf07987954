// Package listener owns the supervisor's bound endpoints: one TCP
// listener per resolvable token in the configured address list, plus a
// local-domain socket. Each endpoint also exports an *os.File so the
// re-exec launch strategy can hand the bound sockets to children.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"vawter.tech/stopper"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/errors"
	"github.com/moraydb/moray/pkg/logger"
)

// Group is the set of bound listening endpoints.
type Group struct {
	mu        sync.Mutex
	listeners []net.Listener
	files     []*os.File

	unixSocketPath string
}

// SplitAddressList splits a whitespace-separated address list into
// tokens, dropping empty entries.
func SplitAddressList(addresses string) []string {
	return strings.Fields(addresses)
}

// Bind establishes the input sockets. An individual bind failure logs a
// warning and moves on; only zero bound endpoints is an error. TCP
// sockets are grabbed before the local-domain socket, because the data
// directory interlock is more reliable than the socket-file one.
func Bind(addresses string, port int, unixSocketDir string) (*Group, error) {
	g := &Group{}

	for _, host := range SplitAddressList(addresses) {
		if host == "*" {
			host = ""
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Log.Warn("could not create listen socket", "addr", addr, "err", err)
			continue
		}
		if err := g.adopt(l); err != nil {
			logger.Log.Warn("could not register listen socket", "addr", addr, "err", err)
			l.Close()
		}
	}

	if unixSocketDir != "" {
		path := filepath.Join(unixSocketDir,
			fmt.Sprintf("%s.%d", consts.UnixSocketPrefix, port))
		// A stale socket file from a dead supervisor blocks the bind.
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
		l, err := net.Listen("unix", path)
		if err != nil {
			logger.Log.Warn("could not create local-domain socket", "path", path, "err", err)
		} else if err := g.adopt(l); err != nil {
			logger.Log.Warn("could not register local-domain socket", "path", path, "err", err)
			l.Close()
		} else {
			g.unixSocketPath = path
		}
	}

	if len(g.listeners) == 0 {
		g.Close()
		return nil, errors.New(errors.ErrCodeNoListenSockets, "listener.Bind",
			"no socket created for listening", nil)
	}
	return g, nil
}

// adopt records a listener and captures its file for fd inheritance.
// File() flips the socket to blocking mode, so it is set back for the
// Go runtime poller.
func (g *Group) adopt(l net.Listener) error {
	type filer interface {
		File() (*os.File, error)
		SyscallConn() (syscall.RawConn, error)
	}
	fl, ok := l.(filer)
	if !ok {
		return errors.New(errors.ErrCodeSocketBindFailed, "listener.adopt",
			fmt.Sprintf("listener %T does not expose a file", l), nil)
	}
	f, err := fl.File()
	if err != nil {
		return errors.New(errors.ErrCodeSocketBindFailed, "listener.adopt",
			"capturing socket descriptor", err)
	}
	if rawConn, err := fl.SyscallConn(); err == nil {
		rawConn.Control(func(fd uintptr) {
			_ = syscall.SetNonblock(int(fd), true)
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
	g.files = append(g.files, f)
	return nil
}

// Files returns the endpoint files in bind order, for passing to a
// child via its fd table.
func (g *Group) Files() []*os.File {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*os.File, len(g.files))
	copy(out, g.files)
	return out
}

// Addrs returns the bound addresses, one per endpoint, in bind order.
func (g *Group) Addrs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.listeners))
	for i, l := range g.listeners {
		out[i] = l.Addr().String()
	}
	return out
}

// UnixSocketPath returns the local-domain socket path, or "" if the
// local endpoint did not bind.
func (g *Group) UnixSocketPath() string {
	return g.unixSocketPath
}

// Serve starts one accept loop per endpoint. Accepted connections are
// pushed to conns; the loops stop when the stopper context stops or
// the group closes.
func (g *Group) Serve(sctx *stopper.Context, conns chan<- net.Conn) {
	g.mu.Lock()
	listeners := make([]net.Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	for _, l := range listeners {
		l := l
		sctx.Go(func(sctx *stopper.Context) error {
			for {
				conn, err := l.Accept()
				if err != nil {
					if sctx.IsStopping() {
						return nil
					}
					logger.Log.Warn("accept failed", "addr", l.Addr().String(), "err", err)
					return err
				}
				select {
				case conns <- conn:
				case <-sctx.Stopping():
					conn.Close()
					return nil
				}
			}
		})
	}
}

// Close shuts every endpoint and releases the captured files. The
// local-domain socket file is removed.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.listeners {
		l.Close()
	}
	for _, f := range g.files {
		f.Close()
	}
	g.listeners = nil
	g.files = nil
	if g.unixSocketPath != "" {
		os.Remove(g.unixSocketPath)
		g.unixSocketPath = ""
	}
}
