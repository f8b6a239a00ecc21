package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callrelay/pkg/metrics"
	"github.com/harunnryd/callrelay/pkg/redact"
)

// TimelineObserver writes one JSONL trace per media-stream connection,
// named after the trace id. The file is closed when the call ends.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
	ended *endedTraces
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{
		dir:   dir,
		files: make(map[string]*os.File),
		ended: newEndedTraces(endedTraceMemory),
	}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ev.Tag("trace_id")
	if traceID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:    ev.Time.UTC(),
		Event:   ev.Name,
		Value:   ev.Value,
		CallSID: redact.CallSID(ev.Tag("call_sid")),
		TraceID: traceID,
		Tags:    extraTags(ev.Tags),
		Fields:  sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended.has(traceID) {
		return
	}
	f := o.fileForLocked(traceID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == "call_ended" {
		_ = f.Close()
		delete(o.files, sanitizeID(traceID))
		o.ended.add(traceID)
	}
}

// OpenFiles returns the number of timelines currently held open.
func (o *TimelineObserver) OpenFiles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.files)
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) Flush() error { return o.Close() }

type timelineEvent struct {
	Time    time.Time         `json:"time"`
	Event   string            `json:"event"`
	Value   float64           `json:"value,omitempty"`
	CallSID string            `json:"call_sid,omitempty"`
	TraceID string            `json:"trace_id"`
	Tags    map[string]string `json:"tags,omitempty"`
	Fields  map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".timeline.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func extraTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == "trace_id" || k == "call_sid" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
