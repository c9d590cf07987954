package supervisor

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moraydb/moray/internal/launcher"
	"github.com/moraydb/moray/internal/monitor"
	"github.com/moraydb/moray/internal/registry"
	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/logger"
	"github.com/moraydb/moray/pkg/pgwire"
)

// startupTimeout bounds how long one client may hold the loop during
// connection bootstrap.
const startupTimeout = 30 * time.Second

var rejectReason = map[consts.Admission]string{
	consts.AdmitStartingUp:   "starting_up",
	consts.AdmitShuttingDown: "shutting_down",
	consts.AdmitRecovering:   "recovering",
	consts.AdmitTooMany:      "too_many_clients",
}

// admit decides whether a parsed connection may get a worker. The
// checks run in fixed order so the client always learns the most
// fundamental obstacle first.
func (s *Supervisor) admit() consts.Admission {
	if s.shutdown > consts.NoShutdown {
		return consts.AdmitShuttingDown
	}
	if s.slots.Running(registry.SlotStartup) {
		return consts.AdmitStartingUp
	}
	if s.fatalError {
		return consts.AdmitRecovering
	}
	// Deliberately twice the configured cap: sessions that are still
	// authenticating count here, and many of them will fail.
	if s.reg.Count() >= 2*s.cfg.Server.MaxBackends {
		return consts.AdmitTooMany
	}
	return consts.AdmitOK
}

// handleConnection drives one client through bootstrap: seed the
// random stream, parse the startup exchange, then either deliver a
// cancel, reject, or hand the session to a fresh worker.
func (s *Supervisor) handleConnection(conn net.Conn) {
	defer conn.Close()

	// First traffic after a quiet start is the jitter source.
	s.secrets.SeedFromJitter()

	conn.SetDeadline(time.Now().Add(startupTimeout))

	upgraded, msg, err := s.neg.ReadStartup(conn)
	if upgraded != conn {
		defer upgraded.Close()
	}
	if err != nil {
		s.rejectProtocol(upgraded, err)
		return
	}

	switch m := msg.(type) {
	case *pgwire.CancelRequest:
		s.handleCancel(m)
	case *pgwire.SessionRequest:
		s.handleSession(upgraded, m)
	}
}

func (s *Supervisor) rejectProtocol(conn net.Conn, err error) {
	monitor.ConnectionsRejected.WithLabelValues("protocol").Inc()
	perr, ok := err.(*pgwire.ProtocolError)
	if !ok {
		logger.Log.Warn("connection bootstrap failed", "err", err)
		return
	}
	if perr.NoReply {
		return
	}
	logger.Log.Warn("rejecting connection", "sqlstate", perr.SQLState, "msg", perr.Message)
	pgwire.SendError(conn, pgwire.VersionLatest, perr.SQLState, perr.Message)
}

// handleCancel verifies the shared secret and, on a match, interrupts
// the target worker. Nothing is ever written back: a forger learns
// nothing, a legitimate client needs nothing.
func (s *Supervisor) handleCancel(req *pgwire.CancelRequest) {
	pid := int(req.TargetPID)
	key, ok := s.reg.Find(pid)
	if !ok {
		monitor.CancelRequests.WithLabelValues("unknown_pid").Inc()
		logger.Log.Debug("cancel request for unknown pid", "pid", pid)
		return
	}
	if key != req.CancelKey {
		monitor.CancelRequests.WithLabelValues("bad_key").Inc()
		logger.Log.Warn("cancel request with wrong key", "pid", pid)
		return
	}
	monitor.CancelRequests.WithLabelValues("delivered").Inc()
	logger.Log.Info("delivering query cancel", "pid", pid)
	s.kill(pid, unix.SIGINT)
}

func (s *Supervisor) handleSession(conn net.Conn, req *pgwire.SessionRequest) {
	if s.cfg.Server.LogConnections {
		logger.Log.Info("connection received",
			"remote", conn.RemoteAddr().String(),
			"user", req.User, "database", req.Database, "tls", req.TLS)
	}

	if adm := s.admit(); adm != consts.AdmitOK {
		monitor.ConnectionsRejected.WithLabelValues(rejectReason[adm]).Inc()
		perr := pgwire.AdmissionError(adm)
		logger.Log.Info("connection refused", "reason", rejectReason[adm], "user", req.User)
		pgwire.SendError(conn, req.Protocol, perr.SQLState, perr.Message)
		return
	}

	// Secrets are minted before the child exists so the stream state
	// never leaks into a worker.
	cancelKey := s.secrets.CancelKey()
	salts := s.secrets.RandomSalts()

	// The child duplicates the descriptor; our copy closes with the
	// deferred Close either way.
	conn.SetDeadline(time.Time{})
	pid, err := s.launch.SpawnWorker(conn, req, cancelKey, salts)
	if err != nil {
		monitor.SpawnFailures.WithLabelValues(string(consts.RoleWorker)).Inc()
		logger.Log.Error("could not spawn session worker", "err", err)
		launcher.ReportSpawnFailure(conn, req.Protocol, err)
		return
	}

	s.reg.Add(pid, cancelKey)
	monitor.ConnectionsAccepted.Inc()
	monitor.WorkersLive.Set(float64(s.reg.Count()))
}
