package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harunnryd/callrelay/pkg/metrics"
)

func event(name string, value float64, tags map[string]string) metrics.MetricsEvent {
	return metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

func TestPrometheusObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	call := map[string]string{"call_sid": "CA1", "trace_id": "t1"}
	obs.RecordEvent(event("call_started", 1, call))
	obs.RecordEvent(event("call_ended", 1, map[string]string{"trace_id": "t-nostart"}))
	obs.RecordEvent(event("audio_forwarded", 160, nil))
	obs.RecordEvent(event("audio_forwarded", 160, nil))
	obs.RecordEvent(event("audio_dropped", 160, nil))
	obs.RecordEvent(event("transcript_published", 2, map[string]string{"final": "true"}))
	obs.RecordEvent(event("stt_closed", 1, map[string]string{"cause": "timeout"}))
	obs.RecordEvent(event("subscriber_added", 1, nil))

	if got := testutil.ToFloat64(obs.callsActive); got != 1 {
		t.Fatalf("expected 1 active call, got %v", got)
	}
	if got := testutil.ToFloat64(obs.audioBytes); got != 320 {
		t.Fatalf("expected 320 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(obs.transcripts.WithLabelValues("true")); got != 1 {
		t.Fatalf("expected one final transcript, got %v", got)
	}
	if got := testutil.ToFloat64(obs.deliveries); got != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(obs.sttClosed.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("expected timeout close, got %v", got)
	}

	obs.RecordEvent(event("call_ended", 1, call))
	obs.RecordEvent(event("subscriber_removed", 1, nil))
	if got := testutil.ToFloat64(obs.callsActive); got != 0 {
		t.Fatalf("expected 0 active calls, got %v", got)
	}
	if got := testutil.ToFloat64(obs.callsEnded); got != 1 {
		t.Fatalf("expected only the started call counted as ended, got %v", got)
	}
	if got := testutil.ToFloat64(obs.subscribers); got != 0 {
		t.Fatalf("expected 0 subscribers, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "call_relay_events_total"); err != nil || n == 0 {
		t.Fatalf("expected events_total series, got %d %v", n, err)
	}
}

func TestLatencyObserverDerivesFirstTranscript(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := NewLatencyObserver(nil, mem)
	tags := map[string]string{"trace_id": "tr-1", "call_sid": "CA1"}
	base := time.Now()

	obs.RecordEvent(metrics.MetricsEvent{Name: "call_started", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "audio_forwarded", Time: base.Add(100 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_published", Time: base.Add(400 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_published", Time: base.Add(900 * time.Millisecond), Tags: tags})

	got := mem.Snapshot()
	if len(got) != 1 || got[0].Name != "first_transcript_latency" || got[0].Value != 300 {
		t.Fatalf("expected one 300ms latency event, got %+v", got)
	}
	if obs.Pending() != 1 {
		t.Fatalf("expected one tracked call")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: "call_ended", Time: base.Add(time.Second), Tags: tags})
	if obs.Pending() != 0 {
		t.Fatalf("expected call released on end")
	}
}

func TestUsageObserverWritesSummaryOnCallEnd(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := map[string]string{"trace_id": "tr-1", "call_sid": "CA1"}

	obs.RecordEvent(event("audio_forwarded", 8000, tags))
	obs.RecordEvent(event("audio_forwarded", 4000, tags))
	obs.RecordEvent(event("audio_dropped", 160, tags))
	obs.RecordEvent(event("transcript_published", 3, map[string]string{"trace_id": "tr-1", "call_sid": "CA1", "final": "true"}))
	obs.RecordEvent(event("stt_closed", 1, map[string]string{"trace_id": "tr-1", "cause": "normal"}))
	obs.RecordEvent(event("call_ended", 1, tags))

	b, err := os.ReadFile(filepath.Join(dir, "CA1.usage.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var sum UsageSummary
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.STTAudioSec != 1.5 || sum.DroppedFrames != 1 || sum.FinalTranscript != 1 || sum.Deliveries != 3 || sum.CloseCause != "normal" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b, NewLoggerObserver(nil))
	m.RecordEvent(event("call_started", 1, map[string]string{"call_sid": "CA1234567890"}))
	if a.Count("call_started") != 1 || b.Count("call_started") != 1 {
		t.Fatalf("expected both members to receive the event")
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestPerCallObserversIgnoreEventsAfterCallEnded(t *testing.T) {
	dir := t.TempDir()
	latency := NewLatencyObserver(nil, nil)
	usage := NewUsageObserver(dir)
	timeline := NewTimelineObserver(dir)
	defer timeline.Close()
	multi := NewMultiObserver(latency, usage, timeline)

	tags := map[string]string{"trace_id": "trace-late", "call_sid": "CA1"}
	multi.RecordEvent(event("call_started", 1, tags))
	multi.RecordEvent(event("stt_closed", 1, map[string]string{"trace_id": "trace-late", "call_sid": "CA1", "cause": "no_data"}))
	multi.RecordEvent(event("call_ended", 1, tags))
	multi.RecordEvent(event("stt_closed", 1, map[string]string{"trace_id": "trace-late", "cause": "normal"}))
	multi.RecordEvent(event("audio_dropped", 160, tags))

	if latency.Pending() != 0 || usage.Pending() != 0 || timeline.OpenFiles() != 0 {
		t.Fatalf("expected no per-call state after call_ended, got latency=%d usage=%d timeline=%d",
			latency.Pending(), usage.Pending(), timeline.OpenFiles())
	}
	raw, err := os.ReadFile(filepath.Join(dir, "CA1.usage.json"))
	if err != nil {
		t.Fatalf("read usage: %v", err)
	}
	var summary UsageSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if summary.CloseCause != "no_data" || summary.DroppedFrames != 0 {
		t.Fatalf("expected summary untouched by stragglers, got %+v", summary)
	}
}

func TestEndedTracesEvictsOldest(t *testing.T) {
	e := newEndedTraces(2)
	e.add("a")
	e.add("b")
	e.add("a")
	e.add("c")
	if e.has("a") || !e.has("b") || !e.has("c") {
		t.Fatalf("expected a evicted, got %v", e.ids)
	}
	e.add("d")
	if e.has("b") || !e.has("c") || !e.has("d") || len(e.ids) != 2 {
		t.Fatalf("expected b evicted, got %v", e.ids)
	}
}
