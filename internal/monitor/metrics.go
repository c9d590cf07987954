package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moraydb/moray/pkg/logger"
)

var (
	// ConnectionsAccepted counts connections that passed the admission
	// predicate and got a worker.
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moray_connections_accepted_total",
		Help: "Connections admitted and handed to a session worker",
	})
	// ConnectionsRejected counts turned-away connections by reason.
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moray_connections_rejected_total",
		Help: "Connections refused before a worker was created",
	}, []string{"reason"})
	// WorkersLive tracks the current session worker count.
	WorkersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moray_workers_live",
		Help: "Session workers currently registered",
	})
	// ServiceRestarts counts singleton service restarts by role.
	ServiceRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moray_service_restarts_total",
		Help: "Singleton service processes restarted",
	}, []string{"role"})
	// CrashContainments counts system-wide quiesce responses to a
	// child crash.
	CrashContainments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moray_crash_containments_total",
		Help: "Times a child crash forced termination of all siblings",
	})
	// SpawnFailures counts child processes that could not be created.
	SpawnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moray_spawn_failures_total",
		Help: "Child process creation failures",
	}, []string{"role"})
	// CancelRequests counts cancel sub-protocol packets by outcome.
	CancelRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moray_cancel_requests_total",
		Help: "Received query-cancel requests",
	}, []string{"outcome"})
)

// InitMetrics registers the supervisor metrics and starts an HTTP
// server exposing them. An empty addr disables the server but still
// registers, so counters work either way.
func InitMetrics(addr string) {
	prometheus.MustRegister(
		ConnectionsAccepted,
		ConnectionsRejected,
		WorkersLive,
		ServiceRestarts,
		CrashContainments,
		SpawnFailures,
		CancelRequests,
	)

	if addr == "" {
		return
	}
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Log.Error("metrics server failed", "err", err)
		}
	}()
}
