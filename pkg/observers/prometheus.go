package observers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/callrelay/pkg/metrics"
)

const namespace = "call_relay"

// PrometheusObserver turns relay events into Prometheus series.
type PrometheusObserver struct {
	callsStarted   prometheus.Counter
	callsEnded     prometheus.Counter
	callsActive    prometheus.Gauge
	audioBytes     prometheus.Counter
	audioFrames    prometheus.Counter
	audioDropped   prometheus.Counter
	transcripts    *prometheus.CounterVec
	deliveries     prometheus.Counter
	sttClosed      *prometheus.CounterVec
	subscribers    prometheus.Gauge
	firstResult    prometheus.Histogram
	eventsObserved *prometheus.CounterVec
}

// NewPrometheusObserver registers the relay series on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Media streams that announced a call",
		}),
		callsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Media streams that closed after announcing a call",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently streaming",
		}),
		audioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Audio bytes forwarded to the transcription backend",
		}),
		audioFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Media frames forwarded to the transcription backend",
		}),
		audioDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Media frames dropped before the backend was ready",
		}),
		transcripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_published_total",
			Help:      "Transcript events published to at least one viewer",
		}, []string{"final"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_deliveries_total",
			Help:      "Transcript frames handed to viewer sockets",
		}),
		sttClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_sessions_closed_total",
			Help:      "Transcription sessions closed, by cause",
		}, []string{"cause"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Viewer sockets currently subscribed to a call",
		}),
		firstResult: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_transcript_latency_seconds",
			Help:      "Time from first forwarded audio to first published transcript",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		eventsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events observed, by name",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(
			o.callsStarted, o.callsEnded, o.callsActive,
			o.audioBytes, o.audioFrames, o.audioDropped,
			o.transcripts, o.deliveries, o.sttClosed,
			o.subscribers, o.firstResult, o.eventsObserved,
		)
	}
	return o
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.eventsObserved.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case "call_started":
		o.callsStarted.Inc()
		o.callsActive.Inc()
	case "call_ended":
		// Connections that never sent start were never counted as calls.
		if ev.Tag("call_sid") == "" {
			return
		}
		o.callsEnded.Inc()
		o.callsActive.Dec()
	case "audio_forwarded":
		o.audioFrames.Inc()
		o.audioBytes.Add(ev.Value)
	case "audio_dropped":
		o.audioDropped.Inc()
	case "transcript_published":
		final := ev.Tag("final")
		if final == "" {
			final = "false"
		}
		o.transcripts.WithLabelValues(final).Inc()
		o.deliveries.Add(ev.Value)
	case "stt_closed":
		cause := ev.Tag("cause")
		if cause == "" {
			cause = "other"
		}
		o.sttClosed.WithLabelValues(cause).Inc()
	case "subscriber_added":
		o.subscribers.Inc()
	case "subscriber_removed":
		o.subscribers.Dec()
	case "first_transcript_latency":
		o.firstResult.Observe(ev.Value / 1000)
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
