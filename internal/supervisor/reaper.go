package supervisor

import (
	"golang.org/x/sys/unix"

	"github.com/moraydb/moray/internal/launcher"
	"github.com/moraydb/moray/internal/monitor"
	"github.com/moraydb/moray/internal/registry"
	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/logger"
)

// handleExit dispatches one reaped child. Slot matches take precedence
// over the worker table, in fixed slot order; a pid that somehow sits
// in both is resolved as the service, surfacing the double
// registration instead of masking it.
func (s *Supervisor) handleExit(e launcher.Exit) {
	if slot, ok := s.slots.MatchOrdered(e.PID); ok {
		s.slots.Clear(slot)
		s.serviceExit(slot, e)
		return
	}
	s.workerExit(e)
}

func (s *Supervisor) serviceExit(slot registry.ServiceSlot, e launcher.Exit) {
	switch slot {
	case registry.SlotStartup:
		s.startupExit(e)
	case registry.SlotBgWriter:
		s.bgWriterExit(e)
	case registry.SlotLogger:
		// The log collector is never part of crash containment; a
		// dead one is simply replaced so nobody logs into the void.
		logger.Log.Warn("log collector "+e.String(), "pid", e.PID)
		if s.shutdown == consts.NoShutdown && s.cfg.Services.LogCollectorEnabled {
			monitor.ServiceRestarts.WithLabelValues(string(consts.RoleLogger)).Inc()
			s.startService(consts.RoleLogger, registry.SlotLogger)
		}
	case registry.SlotArchiver:
		logger.Log.Warn("archiver process "+e.String(), "pid", e.PID)
		if s.shutdown == consts.NoShutdown && !s.fatalError && s.cfg.Services.ArchivingEnabled {
			monitor.ServiceRestarts.WithLabelValues(string(consts.RoleArchiver)).Inc()
			s.startService(consts.RoleArchiver, registry.SlotArchiver)
		}
	case registry.SlotStats:
		logger.Log.Warn("statistics collector "+e.String(), "pid", e.PID)
		if s.shutdown == consts.NoShutdown && !s.fatalError {
			monitor.ServiceRestarts.WithLabelValues(string(consts.RoleStats)).Inc()
			s.startService(consts.RoleStats, registry.SlotStats)
		}
	}
}

// startupExit handles the end of storage recovery. An orderly exit
// opens the system for business; anything else is unrecoverable,
// because a storage layer that cannot even replay its log has nothing
// to fall back to.
func (s *Supervisor) startupExit(e launcher.Exit) {
	if s.fatalError {
		// Died from our own containment signal; afterReap decides
		// what happens next.
		logger.Log.Debug("startup process "+e.String(), "pid", e.PID)
		return
	}
	if !e.Orderly() {
		// No shutdown exception: a storage layer that cannot finish
		// recovery has nothing to shut down cleanly either.
		logger.Log.Error("aborting startup due to startup process failure", "detail", e.String(), "pid", e.PID)
		s.exitNow(1)
		return
	}

	logger.Log.Info("database system is ready")
	s.phase.Fire(eventStartupDone)

	if s.shutdown > consts.NoShutdown {
		s.advanceShutdown()
		return
	}
	s.startService(consts.RoleBgWriter, registry.SlotBgWriter)
	if s.cfg.Services.ArchivingEnabled {
		s.startService(consts.RoleArchiver, registry.SlotArchiver)
	}
	s.startService(consts.RoleStats, registry.SlotStats)
}

func (s *Supervisor) bgWriterExit(e launcher.Exit) {
	if e.Orderly() && s.shutdown > consts.NoShutdown && s.reg.Empty() && !s.fatalError {
		// The final checkpoint is on disk; this is the normal end of
		// an orderly shutdown.
		s.finishShutdown(0)
		return
	}
	if !e.Orderly() {
		s.containCrash(e.PID, "background writer process", e)
		return
	}
	logger.Log.Warn("background writer exited unexpectedly, will restart", "pid", e.PID)
}

func (s *Supervisor) workerExit(e launcher.Exit) {
	known := s.reg.Remove(e.PID)
	monitor.WorkersLive.Set(float64(s.reg.Count()))
	if !known {
		logger.Log.Warn("reaped unknown child process", "pid", e.PID, "detail", e.String())
		return
	}

	// Exit code 1 is a worker reporting a fatal-but-contained error;
	// only harder deaths poison shared state.
	crashed := e.Signaled || e.Code > 1
	if crashed {
		s.containCrash(e.PID, "server process", e)
		return
	}
	logger.Log.Debug("server process exited", "pid", e.PID, "detail", e.String())
}

// containCrash responds to an abnormal child death: every process that
// may share state with the dead one is taken down, and the system is
// marked for reinitialization once the dust settles.
func (s *Supervisor) containCrash(pid int, what string, e launcher.Exit) {
	if !s.fatalError {
		monitor.CrashContainments.Inc()
		logger.Log.Error(what+" "+e.String(), "pid", pid)
		logger.Log.Error("terminating any other active server processes")
		if s.phase.CanFire(eventCrash) {
			s.phase.Fire(eventCrash)
		}
	} else {
		// Already containing; the sibling died from our own signal.
		logger.Log.Debug(what+" "+e.String(), "pid", pid)
	}
	s.fatalError = true

	// SIGSTOP instead of SIGQUIT freezes the survivors for a
	// debugger; the operator opts in via launch.send_stop.
	sig := unix.SIGQUIT
	if s.cfg.Launch.SendStop {
		sig = unix.SIGSTOP
	}
	for _, wpid := range s.reg.Pids() {
		if wpid != pid {
			s.kill(wpid, sig)
		}
	}
	s.signalSlots(sig, registry.SlotStartup, registry.SlotBgWriter)
	// Not sharing writable state, but restarted with everyone else so
	// their view resets too. Never stopped, always quit.
	s.signalSlots(unix.SIGQUIT, registry.SlotArchiver, registry.SlotStats)
}

// afterReap runs once per drain of the exit channel: it decides
// whether a contained crash can reinitialize or an orderly shutdown
// can move forward.
func (s *Supervisor) afterReap() {
	if s.finished {
		return
	}
	if s.fatalError {
		// Only processes attached to shared state gate the restart;
		// the collectors were signalled but need not be waited for.
		if !s.reg.Empty() ||
			s.slots.Running(registry.SlotStartup) ||
			s.slots.Running(registry.SlotBgWriter) {
			return // still waiting for casualties
		}
		if s.shutdown > consts.NoShutdown {
			logger.Log.Error("abnormal database system shutdown")
			s.exitNow(1)
			return
		}
		logger.Log.Info("all server processes terminated; reinitializing")
		s.dir.RemoveTempFiles()
		if !s.startService(consts.RoleStartup, registry.SlotStartup) {
			s.exitNow(1)
			return
		}
		s.fatalError = false
		s.shutdownSent = false
		return
	}
	s.advanceShutdown()
}
