package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: "audio_forwarded", Time: time.Now(), Value: 160})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := mem.Count("audio_forwarded"); got+int(a.Dropped()) != 10 {
		t.Fatalf("expected delivered+dropped == 10, got %d+%d", got, a.Dropped())
	}
	a.RecordEvent(MetricsEvent{Name: "late"})
	if mem.Count("late") != 0 {
		t.Fatalf("expected events after close ignored")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSamplingObserverFiltersByName(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, "audio_forwarded")
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: "audio_forwarded"})
		s.RecordEvent(MetricsEvent{Name: "call_started"})
	}
	if got := mem.Count("audio_forwarded"); got != 2 {
		t.Fatalf("expected 2 sampled audio events, got %d", got)
	}
	if got := mem.Count("call_started"); got != 8 {
		t.Fatalf("expected unfiltered events to pass, got %d", got)
	}
}

func TestSamplingObserverZeroRate(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0)
	s.RecordEvent(MetricsEvent{Name: "x"})
	if len(mem.Snapshot()) != 0 {
		t.Fatalf("expected nothing recorded at rate 0")
	}
}

func TestJSONLFileObserver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.jsonl")
	o, err := OpenJSONLFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	o.RecordEvent(MetricsEvent{
		Name:  "transcript_published",
		Time:  time.Now(),
		Value: 2,
		Tags:  map[string]string{"call_sid": "CA1", "final": "true"},
	})
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("expected one line")
	}
	var line map[string]any
	if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["name"] != "transcript_published" || line["call_sid"] != "CA1" || line["value"] != float64(2) {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestEventCallIDFallsBackToTrace(t *testing.T) {
	ev := MetricsEvent{Tags: map[string]string{"trace_id": "tr-1"}}
	if ev.CallID() != "tr-1" {
		t.Fatalf("expected trace fallback")
	}
	ev.Tags["call_sid"] = "CA1"
	if ev.CallID() != "CA1" {
		t.Fatalf("expected call sid")
	}
	if (MetricsEvent{}).Tag("x") != "" {
		t.Fatalf("expected empty tag on nil map")
	}
}
