package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/metrics"
	"github.com/harunnryd/callrelay/pkg/redact"
	"github.com/harunnryd/callrelay/pkg/transcript"
	"github.com/harunnryd/callrelay/pkg/transports"
)

// Publisher fans a value out to the subscribers of a call.
type Publisher interface {
	PublishJSON(callID string, v any) (int, error)
}

// CallStream is the per-connection state of one provider media stream. Provider
// frames enter through HandleMessage and backend events through HandleSTT;
// both can be driven without a socket.
type CallStream struct {
	session   stt.Session
	publisher Publisher
	obs       metrics.Observer
	traceID   string
	logger    *slog.Logger

	mu        sync.Mutex
	callSID   string
	streamSID string
	listening bool
	closed    bool
	sttDone   bool
	ended     bool

	forwarded atomic.Int64
	dropped   atomic.Int64
	published atomic.Int64
}

type CallStreamOptions struct {
	Session   stt.Session
	Publisher Publisher
	Observer  metrics.Observer
	TraceID   string
}

func NewCallStream(opts CallStreamOptions) *CallStream {
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &CallStream{
		session:   opts.Session,
		publisher: opts.Publisher,
		obs:       obs,
		traceID:   opts.TraceID,
		logger: logging.NewComponentLogger(slog.Default(), "twilio_stream").With(
			slog.String("trace_id", opts.TraceID)),
	}
}

// CallSID returns the call id recorded from the start frame, if any.
func (c *CallStream) CallSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callSID
}

// HandleRaw decodes and dispatches one websocket frame. Decode errors are
// returned to the caller; the stream stays usable.
func (c *CallStream) HandleRaw(data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	c.HandleMessage(msg)
	return nil
}

// HandleMessage dispatches one provider frame.
func (c *CallStream) HandleMessage(msg Message) {
	switch msg.Event {
	case EventStart:
		c.onStart(msg)
	case EventMedia:
		c.onMedia(msg)
	default:
		c.logger.Debug("twilio_event_ignored",
			slog.String("event", msg.Event),
			slog.String("sequence", msg.SequenceNumber))
	}
}

func (c *CallStream) onStart(msg Message) {
	if msg.Start == nil || msg.Start.CallSID == "" {
		c.logger.Warn("twilio_start_without_call_sid")
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.listening {
		existing := c.callSID
		c.mu.Unlock()
		c.logger.Warn("twilio_duplicate_start",
			slog.String("call_sid", redact.CallSID(existing)),
			slog.String("ignored_call_sid", redact.CallSID(msg.Start.CallSID)))
		return
	}
	c.callSID = msg.Start.CallSID
	c.streamSID = msg.Start.StreamSID
	if c.streamSID == "" {
		c.streamSID = msg.StreamSID
	}
	c.listening = true
	c.mu.Unlock()

	c.logger.Info("twilio_stream_start",
		slog.String("call_sid", redact.CallSID(msg.Start.CallSID)),
		slog.String("stream_sid", c.streamSID),
		slog.String("encoding", msg.Start.MediaFormat.Encoding),
		slog.Int("sample_rate", msg.Start.MediaFormat.SampleRate),
		slog.Any("tracks", msg.Start.Tracks))
	c.record("call_started", 1, nil)
}

func (c *CallStream) onMedia(msg Message) {
	if msg.Media == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	audio, err := msg.Media.Audio()
	if err != nil {
		c.dropped.Add(1)
		c.logger.Debug("twilio_media_decode_failed", slog.String("error", err.Error()))
		return
	}
	if c.session == nil || c.session.State() != stt.StateReady {
		c.dropped.Add(1)
		c.record("audio_dropped", float64(len(audio)), nil)
		return
	}
	if err := c.session.SendAudio(audio); err != nil {
		c.dropped.Add(1)
		if !errors.Is(err, stt.ErrNotReady) && !errors.Is(err, stt.ErrClosed) {
			c.logger.Debug("stt_send_failed",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		c.record("audio_dropped", float64(len(audio)), nil)
		return
	}
	c.forwarded.Add(1)
	c.record("audio_forwarded", float64(len(audio)), nil)
}

// HandleSTT dispatches one transcription session event.
func (c *CallStream) HandleSTT(ev stt.Event) {
	switch ev.Kind {
	case stt.EventReady:
		c.logger.Info("stt_ready", slog.String("provider", c.providerName()))
	case stt.EventTranscript:
		c.onTranscript(ev.Transcript)
	case stt.EventClosed:
		c.logger.Info("stt_closed",
			slog.String("call_sid", redact.CallSID(c.CallSID())),
			slog.Int("code", ev.Code),
			slog.String("reason", ev.Reason),
			slog.String("cause", string(ev.CloseCause())))
		c.record("stt_closed", 1, map[string]string{"cause": string(ev.CloseCause())})
		c.mu.Lock()
		c.sttDone = true
		c.mu.Unlock()
		c.endIfDrained()
	case stt.EventError:
		c.logger.Error("stt_error",
			slog.String("call_sid", redact.CallSID(c.CallSID())),
			slog.String("request_id", ev.RequestID),
			slog.String("detail", ev.Detail))
	}
}

func (c *CallStream) onTranscript(ev *transcript.Event) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	callSID, listening := c.callSID, c.listening
	c.mu.Unlock()
	if !listening {
		c.logger.Debug("transcript_without_call_sid")
		return
	}
	if ev.Completed() {
		c.logger.Info("transcript_final",
			slog.String("call_sid", redact.CallSID(callSID)),
			slog.String("transcript", redact.Text(ev.Text())))
	}
	if c.publisher == nil {
		return
	}
	n, err := c.publisher.PublishJSON(callSID, transcript.Wrap(ev))
	if err != nil {
		c.logger.Error("transcript_publish_failed", slog.String("error", err.Error()))
		return
	}
	if n == 0 {
		return
	}
	c.published.Add(1)
	c.record("transcript_published", float64(n), map[string]string{
		"final": boolTag(ev.IsFinal),
	})
}

// Close stops listening for transcripts and finishes the session. Later
// frames are ignored. Safe to call more than once. call_ended is recorded once
// the session has delivered its terminal event, so it is always the last
// event of the connection.
func (c *CallStream) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listening = false
	callSID := c.callSID
	c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Finish(); err != nil {
			c.logger.Warn("stt_finish_failed", slog.String("error", err.Error()))
		}
	}
	c.logger.Info("twilio_stream_closed",
		slog.String("call_sid", redact.CallSID(callSID)),
		slog.Int64("audio_forwarded", c.forwarded.Load()),
		slog.Int64("audio_dropped", c.dropped.Load()),
		slog.Int64("transcripts_published", c.published.Load()))
	c.endIfDrained()
}

// End records call_ended if it has not been recorded yet. It is the fallback
// for sessions whose event stream did not finish after Close.
func (c *CallStream) End() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.recordEnd()
}

func (c *CallStream) endIfDrained() {
	c.mu.Lock()
	if c.ended || !c.closed || (c.session != nil && !c.sttDone) {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.recordEnd()
}

// recordEnd is keyed by trace id; call_sid is empty when the provider hung
// up before sending start.
func (c *CallStream) recordEnd() {
	c.record("call_ended", 1, nil)
}

func (c *CallStream) providerName() string {
	if c.session == nil {
		return ""
	}
	return c.session.Name()
}

func (c *CallStream) record(name string, value float64, extra map[string]string) {
	c.recordFor(c.CallSID(), name, value, extra)
}

func (c *CallStream) recordFor(callSID, name string, value float64, extra map[string]string) {
	tags := map[string]string{
		"call_sid": callSID,
		"trace_id": c.traceID,
	}
	for k, v := range extra {
		tags[k] = v
	}
	c.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// StreamHandler accepts provider media-stream websockets.
type StreamHandler struct {
	upgrader  websocket.Upgrader
	factory   stt.Factory
	publisher Publisher
	obs       metrics.Observer
	logger    *slog.Logger

	mu       sync.Mutex
	active   map[*CallStream]*websocket.Conn
	idle     chan struct{}
	draining atomic.Bool
}

// sessionDrainTimeout bounds the wait for a finished session's terminal event.
const sessionDrainTimeout = 5 * time.Second

type StreamHandlerOptions struct {
	Factory      stt.Factory
	Publisher    Publisher
	Observer     metrics.Observer
	AllowOrigins []string
}

func NewStreamHandler(opts StreamHandlerOptions) *StreamHandler {
	h := &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		factory:   opts.Factory,
		publisher: opts.Publisher,
		obs:       opts.Observer,
		logger:    logging.NewComponentLogger(slog.Default(), "twilio_stream"),
		active:    make(map[*CallStream]*websocket.Conn),
	}
	h.upgrader.CheckOrigin = transports.OriginChecker(opts.AllowOrigins)
	return h
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	traceID := uuid.NewString()
	h.logger.Info("twilio_connection_open",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := h.factory(traceID)
	cs := NewCallStream(CallStreamOptions{
		Session:   session,
		Publisher: h.publisher,
		Observer:  h.obs,
		TraceID:   traceID,
	})
	if !h.track(cs, conn) {
		_ = session.Finish()
		return
	}
	defer h.untrack(cs)

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for ev := range session.Events() {
			cs.HandleSTT(ev)
		}
	}()
	if err := session.Open(ctx); err != nil {
		h.logger.Error("stt_open_failed",
			slog.String("trace_id", traceID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := cs.HandleRaw(msg); err != nil {
			h.logger.Warn("twilio_frame_decode_failed",
				slog.String("trace_id", traceID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
	}
	cs.Close()
	select {
	case <-pumped:
	case <-time.After(sessionDrainTimeout):
		h.logger.Warn("stt_events_not_drained", slog.String("trace_id", traceID))
	}
	cs.End()
}

// Drain rejects new streams, finishes every open one, closes their sockets
// and waits until each handler has recorded its call_ended or ctx is done.
func (h *StreamHandler) Drain(ctx context.Context) error {
	h.draining.Store(true)
	h.mu.Lock()
	open := make(map[*CallStream]*websocket.Conn, len(h.active))
	for cs, conn := range h.active {
		open[cs] = conn
	}
	var idle chan struct{}
	if len(h.active) > 0 {
		if h.idle == nil {
			h.idle = make(chan struct{})
		}
		idle = h.idle
	}
	h.mu.Unlock()

	for cs, conn := range open {
		cs.Close()
		if conn != nil {
			_ = conn.Close()
		}
	}
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of open provider streams.
func (h *StreamHandler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// track registers an open stream. It refuses once draining has started so
// Drain never misses a connection.
func (h *StreamHandler) track(cs *CallStream, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining.Load() {
		return false
	}
	h.active[cs] = conn
	return true
}

func (h *StreamHandler) untrack(cs *CallStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, cs)
	if len(h.active) == 0 && h.idle != nil {
		close(h.idle)
		h.idle = nil
	}
}
