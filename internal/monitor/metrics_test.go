package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	InitMetrics("") // no server, registration only

	ConnectionsAccepted.Inc()
	ConnectionsRejected.WithLabelValues("shutting_down").Inc()
	ConnectionsRejected.WithLabelValues("shutting_down").Inc()
	WorkersLive.Set(7)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(ConnectionsRejected.WithLabelValues("shutting_down")))
	assert.Equal(t, float64(7), testutil.ToFloat64(WorkersLive))
}
