package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracer(context.Background(), "pushkin-aws", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveTask("bucket", "succeeded", time.Second)
	m.ObserveTask("bucket", "succeeded", 2*time.Second)
	m.ObserveTask("database", "skipped", 0)
	m.ObserveCall("bucket", "create", nil)
	m.ObserveCall("bucket", "create", errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("bucket", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("database", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("bucket", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("bucket", "create", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

func TestPush(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Contains(t, r.URL.Path, "/metrics/job/pushkin-aws")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics()
	m.ObserveTask("bucket", "succeeded", time.Second)
	require.NoError(t, m.Push(srv.URL, "pushkin-aws"))
	assert.Equal(t, int32(1), hits.Load())

	assert.NoError(t, m.Push("", "pushkin-aws"))
}
