package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)
	require.NotNil(t, m)
	require.NotNil(t, m.partsClosedTotal)
	require.NotNil(t, m.entryDuration)
	require.NotNil(t, m.backendOperationsTotal)
}

func TestRecordEntry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordEntry(context.Background(), "file", 10*time.Millisecond, 1024, 512)

	assert.Equal(t, 1024.0, testToFloat(t, reg, "bararchive_entry_bytes_input_total"))
	assert.Equal(t, 512.0, testToFloat(t, reg, "bararchive_entry_bytes_output_total"))
}

func TestRecordBackendOperationError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordBackendOperation(context.Background(), "s3", "Create", time.Millisecond, nil)
	m.RecordBackendOperation(context.Background(), "s3", "Create", time.Millisecond,
		barerr.New(barerr.KindBackendFail, "disk full"))

	assert.Equal(t, 2.0, testToFloat(t, reg, "bararchive_backend_operations_total"))
	assert.Equal(t, 1.0, testToFloat(t, reg, "bararchive_backend_operation_errors_total"))
}

func TestRecordVolumeChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordVolumeChange("ok")
	m.RecordVolumeChange("aborted")

	assert.Equal(t, 2.0, testToFloat(t, reg, "bararchive_volume_changes_total"))
}

func TestHandlerServesExposedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)
	m.RecordPartClosed("local")

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "bararchive_parts_closed_total")
}

// testToFloat sums every sample for a metric family name across all its
// label combinations, since these tests don't care which combination fired.
func testToFloat(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}
