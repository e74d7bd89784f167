// SPDX-License-Identifier: MIT
package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestPromhttpExposure(t *testing.T) {
	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	if _, err := srv.Client().Get(srv.URL); err != nil {
		t.Fatal(err)
	}
}

func TestQueueCounters(t *testing.T) {
	before := counterValue(t, jobsEnqueuedTotal.WithLabelValues("sync", "false"))
	IncJobsEnqueued("sync", false)
	after := counterValue(t, jobsEnqueuedTotal.WithLabelValues("sync", "false"))
	require.Equal(t, before+1, after)

	beforeDedup := counterValue(t, jobsEnqueuedTotal.WithLabelValues("sync", "true"))
	IncJobsEnqueued("sync", true)
	afterDedup := counterValue(t, jobsEnqueuedTotal.WithLabelValues("sync", "true"))
	require.Equal(t, beforeDedup+1, afterDedup)
}

func TestQueueDepthGauge(t *testing.T) {
	RecordQueueDepth("pending", 17)
	require.Equal(t, 17.0, gaugeValue(t, queueDepth.WithLabelValues("pending")))

	RecordQueueDepth("pending", 3)
	require.Equal(t, 3.0, gaugeValue(t, queueDepth.WithLabelValues("pending")))
}

func TestProviderHealthMapping(t *testing.T) {
	RecordProviderHealth("spotify", "ok")
	require.Equal(t, 1.0, gaugeValue(t, providerHealth.WithLabelValues("spotify")))

	RecordProviderHealth("spotify", "degraded")
	require.Equal(t, 0.5, gaugeValue(t, providerHealth.WithLabelValues("spotify")))

	RecordProviderHealth("spotify", "down")
	require.Equal(t, 0.0, gaugeValue(t, providerHealth.WithLabelValues("spotify")))

	RecordOverallHealth("degraded")
	require.Equal(t, 0.5, gaugeValue(t, providerHealthOverall))
}

func TestInflightGauge(t *testing.T) {
	start := gaugeValue(t, jobsInflight)
	IncJobsInflight()
	IncJobsInflight()
	DecJobsInflight()
	require.Equal(t, start+1, gaugeValue(t, jobsInflight))
	DecJobsInflight()
}

func TestCacheLookupOutcomes(t *testing.T) {
	for _, outcome := range []string{"hit", "stale", "miss"} {
		before := counterValue(t, cacheRequestsTotal.WithLabelValues(outcome))
		IncCacheLookup(outcome)
		require.Equal(t, before+1, counterValue(t, cacheRequestsTotal.WithLabelValues(outcome)))
	}
}
