package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	tests := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"HTTPRequestsTotal", HTTPRequestsTotal},
		{"HTTPRequestDuration", HTTPRequestDuration},
		{"HTTPRequestsInFlight", HTTPRequestsInFlight},
		{"StreamsTotal", StreamsTotal},
		{"StreamBytesTotal", StreamBytesTotal},
		{"ProbeTotal", ProbeTotal},
		{"JobsSubmittedTotal", JobsSubmittedTotal},
		{"JobsFinishedTotal", JobsFinishedTotal},
		{"JobDuration", JobDuration},
		{"JobsInFlight", JobsInFlight},
		{"CacheSizeBytes", CacheSizeBytes},
		{"CacheEntries", CacheEntries},
		{"CacheEvictionsTotal", CacheEvictionsTotal},
		{"CacheEvictedBytesTotal", CacheEvictedBytesTotal},
		{"MaintenanceRunsTotal", MaintenanceRunsTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.collector)
			// Registering again must report the existing registration.
			err := prometheus.Register(tt.collector)
			var already prometheus.AlreadyRegisteredError
			assert.ErrorAs(t, err, &already)
		})
	}
}

func TestStreamsTotal_Labels(t *testing.T) {
	before := testutil.ToFloat64(StreamsTotal.WithLabelValues("cache"))
	StreamsTotal.WithLabelValues("cache").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StreamsTotal.WithLabelValues("cache")))
}
