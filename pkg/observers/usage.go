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
)

// Telephony audio is 8 kHz mono mu-law: one byte per sample.
const telephonyBytesPerSecond = 8000

// UsageSummary is the per-call record of backend usage.
type UsageSummary struct {
	CallSID         string  `json:"call_sid,omitempty"`
	TraceID         string  `json:"trace_id"`
	STTAudioSec     float64 `json:"stt_audio_seconds"`
	DroppedFrames   int     `json:"dropped_frames"`
	Transcripts     int     `json:"transcripts"`
	FinalTranscript int     `json:"final_transcripts"`
	Deliveries      int     `json:"deliveries"`
	CloseCause      string  `json:"close_cause,omitempty"`
	RecordedAtUTC   string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates billed audio seconds per connection and writes a
// <call>.usage.json file into dir when the call ends.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
	ended *endedTraces
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{
		dir:   dir,
		stats: make(map[string]*UsageSummary),
		ended: newEndedTraces(endedTraceMemory),
	}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	traceID := ev.Tag("trace_id")
	if traceID == "" {
		return
	}
	o.mu.Lock()
	if o.ended.has(traceID) {
		o.mu.Unlock()
		return
	}
	stat := o.stats[traceID]
	if stat == nil {
		stat = &UsageSummary{TraceID: traceID}
		o.stats[traceID] = stat
	}
	if sid := ev.Tag("call_sid"); sid != "" {
		stat.CallSID = sid
	}
	switch ev.Name {
	case "audio_forwarded":
		stat.STTAudioSec += ev.Value / telephonyBytesPerSecond
	case "audio_dropped":
		stat.DroppedFrames++
	case "transcript_published":
		stat.Transcripts++
		stat.Deliveries += int(ev.Value)
		if ev.Tag("final") == "true" {
			stat.FinalTranscript++
		}
	case "stt_closed":
		stat.CloseCause = ev.Tag("cause")
	case "call_ended":
		delete(o.stats, traceID)
		o.ended.add(traceID)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Pending returns the number of calls still being accumulated.
func (o *UsageObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.stats)
}

// Flush writes every call still in progress.
func (o *UsageObserver) Flush() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	pending := make([]*UsageSummary, 0, len(o.stats))
	for _, stat := range o.stats {
		snapshot := *stat
		pending = append(pending, &snapshot)
	}
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	id := stat.CallSID
	if id == "" {
		id = stat.TraceID
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(id)+".usage.json"), b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
