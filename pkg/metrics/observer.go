package metrics

import "time"

// MetricsEvent is one relay occurrence. Value carries the natural quantity of
// the event (bytes for audio, deliveries for transcripts, 1 otherwise).
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the tag value for key, or "".
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

// CallID returns the call the event belongs to, falling back to the
// connection trace id before the call is known.
func (ev MetricsEvent) CallID() string {
	if id := ev.Tag("call_sid"); id != "" {
		return id
	}
	return ev.Tag("trace_id")
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
