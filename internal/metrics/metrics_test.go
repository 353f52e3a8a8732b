package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DeviceAcquired("microphone")
	m.ChunkEmitted(10)
	m.WakeDetected()
	m.MessageRouted("AUDIO_CHUNK")
}

func TestCountersAndGauge(t *testing.T) {
	m := New()
	m.DeviceAcquired("microphone")
	m.DeviceAcquired("tab_audio")
	m.DeviceReleased()
	if got := testutil.ToFloat64(m.OpenHandles); got != 1 {
		t.Fatalf("open handles = %v", got)
	}
	m.SessionStarted(true)
	if got := testutil.ToFloat64(m.MixDegradations); got != 1 {
		t.Fatalf("degradations = %v", got)
	}
	m.DeviceFailed("microphone", "permission_denied")
	if got := testutil.ToFloat64(m.DeviceFailures.WithLabelValues("microphone", "permission_denied")); got != 1 {
		t.Fatalf("failures = %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ChunkEmitted(2048)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "cue_chunks_emitted_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
