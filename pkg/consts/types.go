package consts

import "time"

// ChildRole identifies which kind of child process the launcher creates.
// Every role maps 1:1 to a --fork<role> flag on the re-exec'd binary.
type ChildRole string

const (
	RoleWorker   ChildRole = "backend" // one client session
	RoleStartup  ChildRole = "boot"    // storage startup/recovery
	RoleBgWriter ChildRole = "bgwriter"
	RoleArchiver ChildRole = "arch"
	RoleStats    ChildRole = "buf" // statistics collector
	RoleLogger   ChildRole = "log" // log collector
)

// ForkFlag returns the argv flag used to dispatch a re-exec'd child
// into the given role.
func (r ChildRole) ForkFlag() string { return "--fork" + string(r) }

// ShutdownLevel orders the supervisor's shutdown modes. The level is
// monotonically non-decreasing for the life of one supervisor run.
type ShutdownLevel int

const (
	NoShutdown ShutdownLevel = iota
	SmartShutdown
	FastShutdown
	ImmediateShutdown
)

func (l ShutdownLevel) String() string {
	switch l {
	case NoShutdown:
		return "none"
	case SmartShutdown:
		return "smart"
	case FastShutdown:
		return "fast"
	case ImmediateShutdown:
		return "immediate"
	}
	return "invalid"
}

// Admission is the result of the connection admission predicate,
// evaluated after the startup packet is parsed and before any
// authentication exchange.
type Admission int

const (
	AdmitOK Admission = iota
	AdmitStartingUp
	AdmitShuttingDown
	AdmitRecovering
	AdmitTooMany
)

// Supervisor lifecycle phases, tracked by the phase state machine.
const (
	PhaseInitializing   = "INITIALIZING"
	PhaseRunning        = "RUNNING"
	PhaseSmartShutdown  = "SMART_SHUTDOWN"
	PhaseFastShutdown   = "FAST_SHUTDOWN"
	PhaseImmediateStop  = "IMMEDIATE_SHUTDOWN"
	PhaseReinitializing = "REINITIALIZING"
)

// LaunchStrategy selects how child processes are created.
type LaunchStrategy string

const (
	// LaunchDirect re-invokes the executable passing only the role,
	// inherited sockets and a handful of environment variables.
	LaunchDirect LaunchStrategy = "direct"
	// LaunchReexec serializes a full InheritedState snapshot to a
	// transient file and passes its path to the new image.
	LaunchReexec LaunchStrategy = "reexec"
)

// Environment variables understood by re-exec'd children.
const (
	EnvInheritedFDs  = "MORAYD_INHERITED_FDS" // count of fds after stderr
	EnvSessionPrefix = "MORAYD_SESSION_"      // generic session option pairs
	EnvDataDir       = "MORAYD_DATA_DIR"
	EnvDebugLevel    = "MORAYD_DEBUG"
)

// Wire and identifier limits, fixed by the protocol.
const (
	// MaxIdentifierLength bounds database and user names; longer names
	// are silently truncated so lookups cannot fail on overlength input.
	MaxIdentifierLength = 63

	// MaxStartupPacketLength bounds the announced startup packet size
	// before any allocation happens.
	MaxStartupPacketLength = 10000
)

// File names kept in the data directory.
const (
	LockFileName       = "morayd.pid"
	OptsFileName       = "morayd.opts"
	TempFilesDir       = "moray_tmp"
	TempSnapshotPrefix = "morayd.backend_var"
	SignalFlagDir      = "moray_signal"
)

// Out-of-band supervisor message names (flag files raised by children
// before signalling the supervisor).
const (
	FlagPasswordChange = "password_change"
	FlagWakenChildren  = "waken_children"
)

// Unix-domain socket naming, mirroring the historical server layout.
const (
	UnixSocketPrefix = ".s.MORAY"
)

// Timing defaults for the supervisor main loop.
const (
	ServerLoopTimeout  = 60 * time.Second
	TouchFilesInterval = 10 * time.Minute
)
