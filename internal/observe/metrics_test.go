package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point whose attribute key
// equals value, and whether it was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"clovoice.stt.duration", m.STTDuration},
		{"clovoice.llm.duration", m.LLMDuration},
		{"clovoice.tts.duration", m.TTSDuration},
		{"clovoice.playback.duration", m.PlaybackDuration},
		{"clovoice.capture.duration", m.CaptureDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "voicevox", "tts", "ok")
	m.RecordProviderRequest(ctx, "voicevox", "tts", "ok")
	m.RecordProviderRequest(ctx, "voicevox", "tts", "error")
	m.RecordProviderError(ctx, "openai", "stt")

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "clovoice.provider.requests", "status", "ok"); !ok || v != 2 {
		t.Errorf("requests status=ok = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumFor(t, rm, "clovoice.provider.errors", "provider", "openai"); !ok || v != 1 {
		t.Errorf("errors provider=openai = %d (found %v), want 1", v, ok)
	}
}

func TestSkillAndTranscodeCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSkillDispatch(ctx, "timer", "pre")
	m.RecordSkillDispatch(ctx, "timer", "post")
	m.RecordSkillDispatch(ctx, "news", "pre")
	m.RecordTranscodeError(ctx, "ffmpeg")

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "clovoice.skill.dispatches", "skill", "news"); !ok || v != 1 {
		t.Errorf("dispatches skill=news = %d (found %v), want 1", v, ok)
	}
	if v, ok := sumFor(t, rm, "clovoice.transcode.errors", "stage", "ffmpeg"); !ok || v != 1 {
		t.Errorf("transcode errors = %d (found %v), want 1", v, ok)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, -1)
	m.RemoteClients.Add(ctx, 3)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"clovoice.active_captures", 1},
		{"clovoice.remote.clients", 3},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRegisterQueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)

	depth := 4
	if err := m.RegisterQueueDepth(func() int { return depth }); err != nil {
		t.Fatalf("RegisterQueueDepth: %v", err)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "clovoice.queue.depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 4 {
		t.Errorf("data points = %+v, want single value 4", g.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
