package launcher

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/logger"
	"github.com/moraydb/moray/pkg/pgwire"
)

var childRoles = []consts.ChildRole{
	consts.RoleWorker,
	consts.RoleStartup,
	consts.RoleBgWriter,
	consts.RoleArchiver,
	consts.RoleStats,
	consts.RoleLogger,
}

// RunChild inspects argv for a role flag and, when one is present,
// runs that child's bootstrap to completion. handled is false for a
// plain supervisor invocation, which proceeds to the CLI instead.
func RunChild(argv []string) (handled bool, code int) {
	if len(argv) < 2 || !strings.HasPrefix(argv[1], "--fork") {
		return false, 0
	}
	role := consts.ChildRole(strings.TrimPrefix(argv[1], "--fork"))
	known := false
	for _, r := range childRoles {
		if r == role {
			known = true
			break
		}
	}
	if !known {
		logger.Log.Error("unrecognized child role flag", "flag", argv[1])
		return true, 1
	}

	var st *InheritedState
	if len(argv) >= 3 {
		var err error
		st, err = ReadSnapshot(argv[2])
		if err != nil {
			logger.Log.Error("cannot restore inherited state", "err", err)
			return true, 1
		}
	} else {
		st = stateFromEnv(role)
	}

	if role == consts.RoleWorker {
		return true, runWorker(st)
	}
	return true, runService(role, st)
}

// stateFromEnv reconstructs the subset of inherited state that the
// direct strategy passes through the environment.
func stateFromEnv(role consts.ChildRole) *InheritedState {
	st := &InheritedState{
		Role:       role,
		ConnFD:     -1,
		LogPipeFD:  -1,
		DataDir:    os.Getenv(consts.EnvDataDir),
		DebugLevel: int32(envInt(consts.EnvDebugLevel)),
	}
	if role == consts.RoleWorker {
		st.ConnFD = 3
		st.Protocol = pgwire.Version(envInt(consts.EnvSessionPrefix + "PROTOCOL"))
		st.Database = os.Getenv(consts.EnvSessionPrefix + "DATABASE")
		st.User = os.Getenv(consts.EnvSessionPrefix + "USER")
		st.Options = os.Getenv(consts.EnvSessionPrefix + "OPTIONS")
		st.CancelKey = int32(envInt(consts.EnvSessionPrefix + "CANCEL_KEY"))
	}
	return st
}

func envInt(name string) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// runWorker narrows the inherited descriptor set, announces the cancel
// secret to the client, then hands off to the session entry point.
func runWorker(st *InheritedState) int {
	for _, fd := range st.ListenFDs {
		unix.Close(int(fd))
	}

	f := os.NewFile(uintptr(st.ConnFD), "client connection")
	if f == nil {
		logger.Log.Error("worker started without a connection descriptor")
		return 1
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		logger.Log.Error("cannot adopt client connection", "err", err)
		return 1
	}
	defer conn.Close()

	if st.Protocol >= pgwire.VersionLatest {
		if err := pgwire.SendBackendKeyData(conn, int32(os.Getpid()), st.CancelKey); err != nil {
			logger.Log.Error("cannot send cancel secret", "err", err)
			return 1
		}
	}

	argv := WorkerArgv(int(st.DebugLevel), st.ExtraOptions, st.Protocol, st.Database, st.Options)
	logger.Log.Info("session starting",
		"user", st.User,
		"database", st.Database,
		"argv", strings.Join(argv, " "))
	return runSession(conn, st)
}

// runSession is the opaque per-session entry point. The command
// executor lives behind it; here the session simply completes.
func runSession(conn net.Conn, st *InheritedState) int {
	_ = conn
	_ = st
	return 0
}

// runService is the opaque entry point shared by the singleton
// services. Startup/recovery runs to completion and exits; the rest
// serve until told to stop.
func runService(role consts.ChildRole, st *InheritedState) int {
	logger.Log.Info("service starting", "role", string(role), "datadir", st.DataDir)

	if role == consts.RoleStartup {
		// Recovery of the storage layer happens behind this call; once
		// it returns the supervisor may open for business.
		return 0
	}

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGUSR2)
	for s := range sig {
		switch s {
		case unix.SIGUSR2:
			// Shutdown request: flush outstanding work, then leave
			// with a clean status so the supervisor can proceed.
			if role == consts.RoleBgWriter {
				logger.Log.Info("final checkpoint complete", "role", string(role))
				return 0
			}
		case unix.SIGTERM, unix.SIGINT:
			logger.Log.Info("service stopping", "role", string(role))
			return 0
		case unix.SIGQUIT:
			os.Exit(2)
		}
	}
	return 0
}
