// Package supervisor runs the morayd main loop: it accepts client
// connections, spawns and tracks child processes, reacts to operator
// signals, contains child crashes, and drives the shutdown and
// reinitialization sequences.
//
// All supervisor state is owned by the single goroutine inside Run.
// Signal handlers and child reapers only push events onto channels;
// the loop drains them, so no handler ever touches shared state.
package supervisor

import (
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/moraydb/moray/internal/auth"
	"github.com/moraydb/moray/internal/datadir"
	"github.com/moraydb/moray/internal/launcher"
	"github.com/moraydb/moray/internal/listener"
	"github.com/moraydb/moray/internal/monitor"
	"github.com/moraydb/moray/internal/registry"
	"github.com/moraydb/moray/internal/secrets"
	"github.com/moraydb/moray/pkg/config"
	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/fsm"
	"github.com/moraydb/moray/pkg/logger"
	"github.com/moraydb/moray/pkg/pgwire"
)

// Lifecycle events driven through the phase machine.
const (
	eventStartupDone fsm.Event = "startup-done"
	eventCrash       fsm.Event = "child-crash"
	eventSmart       fsm.Event = "smart-shutdown"
	eventFast        fsm.Event = "fast-shutdown"
	eventImmediate   fsm.Event = "immediate-shutdown"
)

// Supervisor owns every live child of this server instance.
type Supervisor struct {
	cfg       *config.Config
	dir       *datadir.Dir
	listeners *listener.Group
	launch    launcher.Launcher
	neg       *pgwire.Negotiator

	reg     *registry.Registry
	slots   *registry.Slots
	secrets *secrets.Source
	auth    *auth.Tables
	phase   *fsm.StateMachine

	// Decision inputs for admission and the reaper, mirrored into the
	// phase machine for observability.
	shutdown   consts.ShutdownLevel
	fatalError bool

	// shutdownSent remembers that the background writer was already
	// asked to run its final checkpoint.
	shutdownSent bool

	conns chan net.Conn
	sigCh chan os.Signal

	lastTouch time.Time

	finished bool
	exitCode int

	// Injection points for tests.
	kill func(pid int, sig unix.Signal) error
}

// New wires a supervisor over already-bound listeners and an already
// locked data directory.
func New(cfg *config.Config, dir *datadir.Dir, group *listener.Group, launch launcher.Launcher, tables *auth.Tables, neg *pgwire.Negotiator) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		dir:       dir,
		listeners: group,
		launch:    launch,
		neg:       neg,
		reg:       registry.New(),
		slots:     &registry.Slots{},
		secrets:   secrets.New(),
		auth:      tables,
		conns:     make(chan net.Conn, 16),
		sigCh:     make(chan os.Signal, 8),
		lastTouch: time.Now(),
		kill: func(pid int, sig unix.Signal) error {
			return unix.Kill(pid, sig)
		},
	}
	s.phase = newPhaseMachine()
	return s
}

func newPhaseMachine() *fsm.StateMachine {
	m := fsm.New(consts.PhaseInitializing)
	logTransition := func(event fsm.Event, from, to fsm.State) {
		logger.Log.Info("supervisor phase change", "from", string(from), "to", string(to), "event", string(event))
	}
	for _, from := range []string{
		consts.PhaseInitializing, consts.PhaseRunning, consts.PhaseReinitializing,
	} {
		m.AddTransition(fsm.State(from), consts.PhaseSmartShutdown, eventSmart, logTransition)
		m.AddTransition(fsm.State(from), consts.PhaseFastShutdown, eventFast, logTransition)
		m.AddTransition(fsm.State(from), consts.PhaseImmediateStop, eventImmediate, logTransition)
	}
	m.AddTransition(consts.PhaseInitializing, consts.PhaseRunning, eventStartupDone, logTransition)
	m.AddTransition(consts.PhaseRunning, consts.PhaseReinitializing, eventCrash, logTransition)
	m.AddTransition(consts.PhaseReinitializing, consts.PhaseRunning, eventStartupDone, logTransition)
	m.AddTransition(consts.PhaseSmartShutdown, consts.PhaseFastShutdown, eventFast, logTransition)
	m.AddTransition(consts.PhaseSmartShutdown, consts.PhaseImmediateStop, eventImmediate, logTransition)
	m.AddTransition(consts.PhaseFastShutdown, consts.PhaseImmediateStop, eventImmediate, logTransition)
	return m
}

// Phase reports the current lifecycle phase.
func (s *Supervisor) Phase() string { return string(s.phase.Current()) }

// Run executes the main loop until shutdown completes or the stopper
// begins stopping. The returned code is the process exit status.
func (s *Supervisor) Run(sctx *stopper.Context) int {
	signal.Notify(s.sigCh,
		unix.SIGHUP, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGUSR1)
	defer signal.Stop(s.sigCh)

	// The log collector comes up before anything that might want to
	// say something.
	if s.cfg.Services.LogCollectorEnabled {
		s.startService(consts.RoleLogger, registry.SlotLogger)
	}
	if !s.startService(consts.RoleStartup, registry.SlotStartup) {
		logger.Log.Error("could not start the storage startup process, giving up")
		return 1
	}

	s.listeners.Serve(sctx, s.conns)
	logger.Log.Info("supervisor ready", "addrs", s.listeners.Addrs(), "pid", os.Getpid())

	ticker := time.NewTicker(s.cfg.LoopTimeout())
	defer ticker.Stop()

	stopping := sctx.Stopping()
	for !s.finished {
		select {
		case conn := <-s.conns:
			s.handleConnection(conn)
		case sig := <-s.sigCh:
			s.handleSignal(sig)
		case e := <-s.launch.Exits():
			s.handleExit(e)
			s.drainExits()
			s.afterReap()
		case <-ticker.C:
			s.housekeeping()
		case <-stopping:
			// Fires once; the closed channel must not starve the loop.
			stopping = nil
			s.beginShutdown(consts.FastShutdown)
		}
	}
	return s.exitCode
}

func (s *Supervisor) drainExits() {
	for {
		select {
		case e := <-s.launch.Exits():
			s.handleExit(e)
		default:
			return
		}
	}
}

func (s *Supervisor) exitNow(code int) {
	s.finished = true
	s.exitCode = code
}

// startService spawns a singleton and records its slot. Reports false
// only when the spawn itself failed.
func (s *Supervisor) startService(role consts.ChildRole, slot registry.ServiceSlot) bool {
	pid, err := s.launch.SpawnService(role)
	if err != nil {
		monitor.SpawnFailures.WithLabelValues(string(role)).Inc()
		logger.Log.Error("could not start service", "role", string(role), "err", err)
		return false
	}
	s.slots.Set(slot, pid)
	logger.Log.Info("service started", "role", string(role), "pid", pid)
	return true
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGHUP:
		s.reload()
	case unix.SIGTERM:
		s.beginShutdown(consts.SmartShutdown)
	case unix.SIGINT:
		s.beginShutdown(consts.FastShutdown)
	case unix.SIGQUIT:
		s.beginShutdown(consts.ImmediateShutdown)
	case unix.SIGUSR1:
		s.childMessages()
	}
}

// reload re-reads the configuration file and the credential tables,
// then passes the hangup on to the children that care. Recovery and
// the statistics collector have nothing to re-read.
func (s *Supervisor) reload() {
	if s.shutdown > consts.SmartShutdown {
		// Too late to change anything; the system is being torn down.
		logger.Log.Debug("ignoring reload request during hard shutdown")
		return
	}
	logger.Log.Info("received reload request, refreshing configuration")
	if s.cfg.Path != "" {
		if fresh, err := config.Load(s.cfg.Path); err != nil {
			logger.Log.Warn("keeping previous configuration", "path", s.cfg.Path, "err", err)
		} else {
			s.applyReload(fresh)
		}
	}
	s.auth.Reload()
	for _, pid := range s.reg.Pids() {
		s.kill(pid, unix.SIGHUP)
	}
	s.signalSlots(unix.SIGHUP,
		registry.SlotBgWriter, registry.SlotArchiver, registry.SlotLogger)
}

// applyReload copies over the settings that may change while running.
// Endpoints, the data directory and the launch strategy are fixed for
// the life of the supervisor.
func (s *Supervisor) applyReload(fresh *config.Config) {
	s.cfg.Server.MaxBackends = fresh.Server.MaxBackends
	s.cfg.Server.LogConnections = fresh.Server.LogConnections
	s.cfg.Launch.ExtraWorkerOptions = fresh.Launch.ExtraWorkerOptions
	s.cfg.Launch.DebugLevel = fresh.Launch.DebugLevel
	s.cfg.Launch.SendStop = fresh.Launch.SendStop
	s.cfg.Services = fresh.Services
}

// childMessages consumes the out-of-band flags children raise before
// signalling us.
func (s *Supervisor) childMessages() {
	if s.dir.ConsumeFlag(consts.FlagPasswordChange) {
		logger.Log.Info("password file changed by a worker, reloading credential tables")
		s.auth.Reload()
	}
	if s.dir.ConsumeFlag(consts.FlagWakenChildren) {
		if pid := s.slots.Get(registry.SlotArchiver); pid != 0 {
			s.kill(pid, unix.SIGUSR1)
		}
	}
}

// beginShutdown raises the shutdown level. Levels only escalate; a
// smart request after a fast one is ignored.
func (s *Supervisor) beginShutdown(level consts.ShutdownLevel) {
	if level <= s.shutdown {
		return
	}
	s.shutdown = level

	switch level {
	case consts.SmartShutdown:
		logger.Log.Info("received smart shutdown request")
		s.phase.Fire(eventSmart)
		// Existing sessions finish on their own time, and an ongoing
		// recovery runs to completion; the reaper picks up from there.
	case consts.FastShutdown:
		logger.Log.Info("received fast shutdown request")
		s.phase.Fire(eventFast)
		for _, pid := range s.reg.Pids() {
			s.kill(pid, unix.SIGTERM)
		}
	case consts.ImmediateShutdown:
		logger.Log.Info("received immediate shutdown request")
		s.phase.Fire(eventImmediate)
		for _, pid := range s.reg.Pids() {
			s.kill(pid, unix.SIGQUIT)
		}
		s.signalSlots(unix.SIGQUIT,
			registry.SlotStartup, registry.SlotBgWriter, registry.SlotArchiver,
			registry.SlotStats, registry.SlotLogger)
		// No waiting: children were told to drop everything and so do we.
		s.exitNow(0)
		return
	}
	s.advanceShutdown()
}

// advanceShutdown moves an in-progress shutdown forward once the
// prerequisite children are gone.
func (s *Supervisor) advanceShutdown() {
	if s.shutdown == consts.NoShutdown || s.shutdown == consts.ImmediateShutdown {
		return
	}
	if !s.reg.Empty() || s.slots.Running(registry.SlotStartup) {
		return
	}
	// The final checkpoint must be written even if the background
	// writer is not up right now, e.g. a smart shutdown arrived
	// before recovery handed over to it.
	if !s.slots.Running(registry.SlotBgWriter) {
		if !s.startService(consts.RoleBgWriter, registry.SlotBgWriter) {
			logger.Log.Error("cannot run the final checkpoint, shutting down anyway")
			s.finishShutdown(1)
			return
		}
	}
	if !s.shutdownSent {
		s.shutdownSent = true
		logger.Log.Info("asking background writer for final checkpoint")
		s.kill(s.slots.Get(registry.SlotBgWriter), unix.SIGUSR2)
	}
	// The loop finishes once the writer's clean exit is reaped.
}

// finishShutdown terminates auxiliary services and ends the loop.
func (s *Supervisor) finishShutdown(code int) {
	s.signalSlots(unix.SIGTERM,
		registry.SlotArchiver, registry.SlotStats, registry.SlotLogger)
	logger.Log.Info("database system is shut down")
	s.exitNow(code)
}

func (s *Supervisor) signalSlots(sig unix.Signal, slots ...registry.ServiceSlot) {
	for _, slot := range slots {
		if pid := s.slots.Get(slot); pid != 0 {
			s.kill(pid, sig)
		}
	}
}

// housekeeping runs on the loop timeout: it refreshes file timestamps
// and restarts services that should be running but are not.
func (s *Supervisor) housekeeping() {
	if time.Since(s.lastTouch) >= consts.TouchFilesInterval {
		s.lastTouch = time.Now()
		s.dir.Touch(s.listeners.UnixSocketPath())
	}

	if s.cfg.Services.LogCollectorEnabled && !s.slots.Running(registry.SlotLogger) {
		monitor.ServiceRestarts.WithLabelValues(string(consts.RoleLogger)).Inc()
		s.startService(consts.RoleLogger, registry.SlotLogger)
	}

	// Service restarts only happen while the system is open for
	// business; every other phase has its own plan for the services.
	if !s.phase.Is(consts.PhaseRunning) {
		return
	}
	if !s.slots.Running(registry.SlotBgWriter) {
		monitor.ServiceRestarts.WithLabelValues(string(consts.RoleBgWriter)).Inc()
		s.startService(consts.RoleBgWriter, registry.SlotBgWriter)
	}
	if s.cfg.Services.ArchivingEnabled && !s.slots.Running(registry.SlotArchiver) {
		monitor.ServiceRestarts.WithLabelValues(string(consts.RoleArchiver)).Inc()
		s.startService(consts.RoleArchiver, registry.SlotArchiver)
	}
	if !s.slots.Running(registry.SlotStats) {
		monitor.ServiceRestarts.WithLabelValues(string(consts.RoleStats)).Inc()
		s.startService(consts.RoleStats, registry.SlotStats)
	}
}
