package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	Flushes.WithLabelValues("success").Inc()
	DecodeErrors.WithLabelValues("arity").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	want := map[string]bool{"buffer_flushes_total": false, "decode_errors_total": false}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("%s metric not found", name)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	BufferLength.Set(7)
	if got := testutil.ToFloat64(BufferLength); got != 7 {
		t.Fatalf("expected buffer_length 7, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "buffer_length 7") {
		t.Fatalf("buffer_length missing from scrape output")
	}
}
