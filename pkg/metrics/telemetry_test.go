package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:         true,
		ServiceName:     "cdcsync-test",
		ServiceVersion:  "test",
		MetricsEnabled:  true,
		TracingEnabled:  true,
		TraceSampleRate: 1,
	}
}

func TestTelemetryManager_RecordsIntoRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	tm, err := NewTelemetryManager(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, tm.Start(context.Background()))
	defer tm.Stop(context.Background())

	ctx := context.Background()
	tm.RecordWorkflowStarted(ctx, "SyncRunWorkflow")
	tm.RecordSignal(ctx, "page_processed", true)
	tm.RecordActivityAttempt(ctx, "FetchPage", "ruby_connectors_queue", 20*time.Millisecond, nil)
	tm.RecordActivityAttempt(ctx, "FetchPage", "ruby_connectors_queue", 5*time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "cdcsync_workflows_started")
	assert.Contains(t, joined, "cdcsync_activity_attempts")
	assert.Contains(t, joined, "cdcsync_activity_duration_seconds")
}

func TestTelemetryManager_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tm, err := NewTelemetryManager(testConfig(), WithRegisterer(prometheus.NewRegistry()), WithSpanProcessor(recorder))
	require.NoError(t, err)

	_, span := tm.StartTrace(context.Background(), "activity FetchPage", attribute.String("task_queue", "ruby_connectors_queue"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "activity FetchPage", ended[0].Name())
}

func TestTelemetryManager_NilAndDisabledAreNoops(t *testing.T) {
	var tm *TelemetryManager
	ctx := context.Background()

	tm.RecordWorkflowStarted(ctx, "x")
	tm.RecordSignal(ctx, "x", false)
	tm.RecordActivityAttempt(ctx, "x", "q", time.Second, nil)
	got, span := tm.StartTrace(ctx, "noop")
	span.End()
	assert.Equal(t, ctx, got)

	disabled, err := NewTelemetryManager(TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	disabled.RecordActivityAttempt(ctx, "x", "q", time.Second, nil)
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(0, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
