// Package launcher creates child processes for the supervisor. Both
// strategies re-invoke the supervisor's own executable with a role
// flag; they differ only in how the child learns its inherited state.
package launcher

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moraydb/moray/internal/datadir"
	"github.com/moraydb/moray/internal/listener"
	"github.com/moraydb/moray/internal/secrets"
	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/errors"
	"github.com/moraydb/moray/pkg/logger"
	"github.com/moraydb/moray/pkg/pgwire"
)

// Exit describes one reaped child, however it ended.
type Exit struct {
	PID      int
	Code     int
	Signal   unix.Signal
	Signaled bool
}

// Orderly reports a voluntary zero-status exit.
func (e Exit) Orderly() bool { return !e.Signaled && e.Code == 0 }

func (e Exit) String() string {
	if e.Signaled {
		return fmt.Sprintf("was terminated by signal %d (%s)", int(e.Signal), unix.SignalName(e.Signal))
	}
	return fmt.Sprintf("exited with exit code %d", e.Code)
}

// Launcher is the supervisor's view of child creation. Tests substitute
// a fake; production uses Spawner.
type Launcher interface {
	SpawnWorker(conn net.Conn, req *pgwire.SessionRequest, cancelKey int32, salts secrets.Salts) (int, error)
	SpawnService(role consts.ChildRole) (int, error)
	Exits() <-chan Exit
}

// Spawner launches children by re-executing os.Executable.
type Spawner struct {
	Strategy     consts.LaunchStrategy
	DataDir      *datadir.Dir
	Listeners    *listener.Group
	DebugLevel   int
	ExtraOptions string

	// Opaque storage-layer identifiers and table addresses carried
	// through to children.
	SharedMemKey  int64
	SharedMemID   int64
	LockTableAddr int64
	ProcTableAddr int64

	exe   string
	exits chan Exit
}

func NewSpawner(strategy consts.LaunchStrategy, dir *datadir.Dir, group *listener.Group) (*Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.New(errors.ErrCodeSpawnFailed, "launcher.NewSpawner",
			"locating own executable", err)
	}
	return &Spawner{
		Strategy:  strategy,
		DataDir:   dir,
		Listeners: group,
		exe:       exe,
		exits:     make(chan Exit, 64),
	}, nil
}

// Exits delivers one event per terminated child, in reap order.
func (s *Spawner) Exits() <-chan Exit { return s.exits }

// SpawnWorker creates a session worker for an admitted connection. The
// cancel key and salts were minted before this call; on success the
// caller records the pid in the registry, on failure nothing is
// recorded anywhere.
func (s *Spawner) SpawnWorker(conn net.Conn, req *pgwire.SessionRequest, cancelKey int32, salts secrets.Salts) (int, error) {
	connFile, err := connFile(conn)
	if err != nil {
		return 0, errors.New(errors.ErrCodeSpawnFailed, "launcher.SpawnWorker",
			"extracting connection descriptor", err)
	}
	defer connFile.Close()

	cmd := exec.Command(s.exe, consts.RoleWorker.ForkFlag())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	switch s.Strategy {
	case consts.LaunchReexec:
		st := s.baseState(consts.RoleWorker)
		st.ConnFD = 3
		st.Protocol = req.Protocol
		st.Database = req.Database
		st.User = req.User
		st.Options = req.Options
		for _, o := range req.SessionOptions {
			st.SessionEnv = append(st.SessionEnv, o.Name+"="+o.Value)
		}
		st.RemoteAddr = conn.RemoteAddr().String()
		st.LocalAddr = conn.LocalAddr().String()
		st.Admission = consts.AdmitOK // only admitted connections spawn
		st.CancelKey = cancelKey
		st.CryptSalt = salts.Crypt
		st.MD5Salt = salts.MD5

		files := s.Listeners.Files()
		for i := range files {
			st.ListenFDs = append(st.ListenFDs, int32(4+i))
		}
		tempDir, err := s.DataDir.TempDir()
		if err != nil {
			return 0, errors.New(errors.ErrCodeSpawnFailed, "launcher.SpawnWorker",
				"preparing transient state directory", err)
		}
		path, err := WriteSnapshot(tempDir, st)
		if err != nil {
			return 0, err
		}
		cmd.Args = append(cmd.Args, path)
		cmd.ExtraFiles = append([]*os.File{connFile}, files...)

	default: // direct
		cmd.Env = append(os.Environ(), s.workerEnv(req, cancelKey, salts)...)
		cmd.ExtraFiles = []*os.File{connFile}
	}

	pid, err := s.start(cmd, consts.RoleWorker)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// SpawnService creates one of the singleton service children.
func (s *Spawner) SpawnService(role consts.ChildRole) (int, error) {
	cmd := exec.Command(s.exe, role.ForkFlag())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	switch s.Strategy {
	case consts.LaunchReexec:
		tempDir, err := s.DataDir.TempDir()
		if err != nil {
			return 0, errors.New(errors.ErrCodeSpawnFailed, "launcher.SpawnService",
				"preparing transient state directory", err)
		}
		path, err := WriteSnapshot(tempDir, s.baseState(role))
		if err != nil {
			return 0, err
		}
		cmd.Args = append(cmd.Args, path)
	default:
		cmd.Env = append(os.Environ(),
			consts.EnvDataDir+"="+s.DataDir.Path(),
			fmt.Sprintf("%s=%d", consts.EnvDebugLevel, s.DebugLevel),
		)
	}

	return s.start(cmd, role)
}

func (s *Spawner) start(cmd *exec.Cmd, role consts.ChildRole) (int, error) {
	if err := cmd.Start(); err != nil {
		return 0, errors.New(errors.ErrCodeSpawnFailed, "launcher.start",
			fmt.Sprintf("could not create %s child", role), err)
	}
	pid := cmd.Process.Pid
	go s.reap(cmd)
	return pid, nil
}

// reap waits for one child and converts its status into an Exit event.
// One goroutine per child keeps wait bookkeeping out of the supervisor
// loop; the loop only ever drains the channel.
func (s *Spawner) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	e := Exit{PID: cmd.Process.Pid}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			e.Signaled = true
			e.Signal = unix.Signal(ws.Signal())
		} else {
			e.Code = ws.ExitStatus()
		}
	} else if err != nil {
		e.Code = 1
	}
	s.exits <- e
}

func (s *Spawner) baseState(role consts.ChildRole) *InheritedState {
	return &InheritedState{
		Role:          role,
		ConnFD:        -1,
		DataDir:       s.DataDir.Path(),
		SharedMemKey:  s.SharedMemKey,
		SharedMemID:   s.SharedMemID,
		LockTableAddr: s.LockTableAddr,
		ProcTableAddr: s.ProcTableAddr,
		DebugLevel:    int32(s.DebugLevel),
		SupervisorPID: int32(os.Getpid()),
		LogPipeFD:     -1,
		ExecPath:      s.exe,
		ExtraOptions:  s.ExtraOptions,
		LCCollate:     os.Getenv("LC_COLLATE"),
		LCCtype:       os.Getenv("LC_CTYPE"),
	}
}

func (s *Spawner) workerEnv(req *pgwire.SessionRequest, cancelKey int32, salts secrets.Salts) []string {
	env := []string{
		consts.EnvDataDir + "=" + s.DataDir.Path(),
		fmt.Sprintf("%s=%d", consts.EnvDebugLevel, s.DebugLevel),
		consts.EnvInheritedFDs + "=1",
		consts.EnvSessionPrefix + "PROTOCOL=" + fmt.Sprintf("%d", uint32(req.Protocol)),
		consts.EnvSessionPrefix + "DATABASE=" + req.Database,
		consts.EnvSessionPrefix + "USER=" + req.User,
		consts.EnvSessionPrefix + "OPTIONS=" + req.Options,
		consts.EnvSessionPrefix + fmt.Sprintf("CANCEL_KEY=%d", cancelKey),
		consts.EnvSessionPrefix + fmt.Sprintf("SALTS=%x%x", salts.Crypt, salts.MD5),
	}
	for _, o := range req.SessionOptions {
		env = append(env, consts.EnvSessionPrefix+o.Name+"="+o.Value)
	}
	return env
}

// connFile duplicates the connection's descriptor for inheritance. A
// TLS connection is unwrapped to its transport; the in-process TLS
// state cannot cross an exec boundary, so the worker restarts its
// secure layer on the raw descriptor.
func connFile(conn net.Conn) (*os.File, error) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	type filer interface{ File() (*os.File, error) }
	f, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("connection type %T does not expose a descriptor", conn)
	}
	return f.File()
}

// ReportSpawnFailure tells the waiting client its worker never started.
// A single short-deadline write; if the kernel cannot take the bytes
// immediately the client learns from the disconnect instead.
func ReportSpawnFailure(conn net.Conn, proto pgwire.Version, spawnErr error) {
	conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	msg := fmt.Sprintf("could not create new process for connection: %v", spawnErr)
	if err := pgwire.SendError(conn, proto, pgwire.CodeOutOfResources, msg); err != nil {
		logger.Log.Debug("spawn-failure report not delivered", "err", err)
	}
}
