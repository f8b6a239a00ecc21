package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callrelay/pkg/metrics"
	"github.com/harunnryd/callrelay/pkg/redact"
)

// LatencyObserver measures, per connection, how long the backend took to
// return its first transcript after audio started flowing. The derived
// first_transcript_latency event (milliseconds) is recorded on out.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	ended  *endedTraces
	log    *slog.Logger
	out    metrics.Observer
}

type trace struct {
	started    time.Time
	firstAudio time.Time
	firstText  time.Time
	callSID    string
}

func NewLatencyObserver(log *slog.Logger, out metrics.Observer) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	if out == nil {
		out = metrics.NoopObserver{}
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		ended:  newEndedTraces(endedTraceMemory),
		log:    log,
		out:    out,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ev.Tag("trace_id")
	if traceID == "" {
		return
	}
	var derived *metrics.MetricsEvent
	o.mu.Lock()
	if o.ended.has(traceID) {
		o.mu.Unlock()
		return
	}
	t := o.traces[traceID]
	if t == nil {
		if ev.Name == "call_ended" {
			o.ended.add(traceID)
			o.mu.Unlock()
			return
		}
		t = &trace{}
		o.traces[traceID] = t
	}
	if t.callSID == "" {
		t.callSID = ev.Tag("call_sid")
	}
	switch ev.Name {
	case "call_started":
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case "audio_forwarded":
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case "transcript_published":
		if t.firstText.IsZero() {
			t.firstText = ev.Time
			if ms := durationMs(t.firstAudio, t.firstText); ms >= 0 {
				derived = &metrics.MetricsEvent{
					Name:  "first_transcript_latency",
					Time:  ev.Time,
					Value: float64(ms),
					Tags:  map[string]string{"trace_id": traceID, "call_sid": t.callSID},
				}
			}
		}
	case "call_ended":
		o.logLocked(traceID, t, ev.Time)
		delete(o.traces, traceID)
		o.ended.add(traceID)
	}
	o.mu.Unlock()
	if derived != nil {
		o.out.RecordEvent(*derived)
	}
}

func (o *LatencyObserver) logLocked(traceID string, t *trace, ended time.Time) {
	o.log.Info("call_latency",
		"trace_id", traceID,
		"call_sid", redact.CallSID(t.callSID),
		"first_transcript_ms", durationMs(t.firstAudio, t.firstText),
		"call_duration_ms", durationMs(t.started, ended),
	)
}

// Pending returns the number of connections still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
