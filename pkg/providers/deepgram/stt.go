package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/redact"
	"github.com/harunnryd/callrelay/pkg/transcript"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	Interim        bool
	UtteranceEndMS int
	TraceID        string
}

// StreamingSTT is one Deepgram live transcription connection.
type StreamingSTT struct {
	cfg     Config
	profile stt.AudioProfile

	lifecycle stt.Lifecycle
	emitter   *stt.Emitter
	logger    *slog.Logger

	mu         sync.Mutex
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	requestID  string
}

func New(cfg Config) *StreamingSTT {
	return &StreamingSTT{
		cfg:     cfg,
		profile: stt.TelephonyProfile(cfg.Model),
		emitter: stt.NewEmitter(256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(
			slog.String("trace_id", cfg.TraceID)),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) State() stt.State { return s.lifecycle.State() }

func (s *StreamingSTT) Events() <-chan stt.Event { return s.emitter.Events() }

// Open dials Deepgram in the background. EventReady follows once the socket
// is up; a failed dial ends the session with ReasonConnectFailed.
func (s *StreamingSTT) Open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.lifecycle.Transition(stt.StateUnopened, stt.StateOpening) {
		return stt.ErrAlreadyOpened
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s.mu.Lock()
	s.cancel = cancel
	s.pipeReader, s.pipeWriter = pr, pw
	s.mu.Unlock()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.profile.Model,
		Language:       s.cfg.Language,
		Encoding:       s.profile.Encoding,
		SampleRate:     s.profile.SampleRate,
		Channels:       s.profile.Channels,
		SmartFormat:    s.profile.SmartFormat,
		InterimResults: s.cfg.Interim,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("model", s.profile.Model),
		slog.String("encoding", s.profile.Encoding),
		slog.Int("sample_rate", s.profile.SampleRate))

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		s.terminate(stt.Closed(0, stt.ReasonConnectFailed))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.mu.Lock()
	s.dgClient = dgClient
	s.mu.Unlock()

	go s.connect(dgClient, pr)
	return nil
}

func (s *StreamingSTT) connect(dgClient *client.WSCallback, pr *io.PipeReader) {
	if connected := dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		s.terminate(stt.Closed(0, stt.ReasonConnectFailed))
		return
	}
	// The open callback normally wins; this covers SDK builds that skip it.
	s.markReady()

	if err := dgClient.Stream(pr); err != nil && s.State() != stt.StateClosed {
		s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		_ = pr.CloseWithError(err)
	}
}

func (s *StreamingSTT) markReady() {
	if s.lifecycle.Transition(stt.StateOpening, stt.StateReady) {
		s.logger.Info("deepgram_ready")
		s.emitter.Emit(stt.Ready())
	}
}

// SendAudio writes one chunk into the stream pipe. Chunks are rejected
// outside StateReady; nothing is buffered.
func (s *StreamingSTT) SendAudio(chunk []byte) error {
	if err := stt.CheckSendable(s.State()); err != nil {
		return err
	}
	s.mu.Lock()
	pw := s.pipeWriter
	s.mu.Unlock()
	if pw == nil {
		return stt.ErrClosed
	}
	if _, err := pw.Write(chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// Finish closes the audio pipe and stops the client. Repeated calls, or a
// call racing a backend close, are no-ops.
func (s *StreamingSTT) Finish() error {
	if s.lifecycle.Close() == stt.StateClosed {
		return nil
	}
	s.logger.Info("closing deepgram connection")
	s.release()
	s.emitter.Close(stt.Closed(stt.CloseNormal, stt.ReasonFinished))
	return nil
}

// terminate ends the session from the backend side.
func (s *StreamingSTT) terminate(ev stt.Event) {
	if s.lifecycle.Close() == stt.StateClosed {
		return
	}
	s.logger.Warn("deepgram_session_closed",
		slog.Int("code", ev.Code),
		slog.String("reason", ev.Reason),
		slog.String("cause", string(ev.CloseCause())))
	go s.release()
	s.emitter.Close(ev)
}

func (s *StreamingSTT) release() {
	s.mu.Lock()
	pw, dg, cancel := s.pipeWriter, s.dgClient, s.cancel
	s.pipeWriter, s.dgClient, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if pw != nil {
		_ = pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *StreamingSTT) setRequestID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.requestID = id
	s.mu.Unlock()
}

func (s *StreamingSTT) currentRequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	c.parent.markReady()
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil {
		return nil
	}
	c.parent.setRequestID(mr.Metadata.RequestID)
	ev := toTranscript(mr)
	if text := ev.Text(); text != "" {
		c.parent.logger.Debug("transcript_received",
			slog.String("transcript", redact.Text(text)),
			slog.Bool("is_final", ev.IsFinal),
			slog.Bool("speech_final", ev.SpeechFinal))
	}
	c.parent.emitter.Emit(stt.Transcript(ev))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if md == nil {
		return nil
	}
	c.parent.setRequestID(md.RequestID)
	c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.terminate(stt.Closed(stt.CloseNormal, "closed by backend"))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return nil
	}
	detail := errorDetail(er)
	if code, reason, ok := closeFromDetail(detail); ok {
		c.parent.terminate(stt.Closed(code, reason))
		return nil
	}
	requestID := c.parent.currentRequestID()
	c.parent.logger.Error("deepgram_error",
		slog.String("request_id", requestID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg),
		slog.String("description", er.Description),
		slog.String("variant", er.Variant))
	c.parent.emitter.Emit(stt.Failure(requestID, detail))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

// errorDetail flattens an SDK error. For websocket closes the SDK leaves
// ErrCode empty, puts "close 1011" in ErrMsg, the close code in Variant and the
// backend reason (NET-0001, DATA-0000) in Description.
func errorDetail(er *msginterfaces.ErrorResponse) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{er.ErrCode, er.ErrMsg, er.Description} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	detail := strings.Join(parts, " ")
	if v := strings.TrimSpace(er.Variant); v != "" && !strings.Contains(detail, v) {
		detail = strings.TrimSpace(detail + " " + v)
	}
	return detail
}

var closeCodeRe = regexp.MustCompile(`\b(1000|1008|1011)\b`)

// closeFromDetail recovers a websocket close code and Deepgram reason from an
// error surfaced by the SDK. ok is false for errors that do not end the stream.
func closeFromDetail(detail string) (code int, reason string, ok bool) {
	upper := strings.ToUpper(detail)
	for _, r := range []string{stt.ReasonUnsupportedAudio, stt.ReasonNoData, stt.ReasonTimeout} {
		if strings.Contains(upper, r) {
			reason = r
			break
		}
	}
	if m := closeCodeRe.FindStringSubmatch(detail); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if reason == "" && code == 0 {
		return 0, "", false
	}
	if code == 0 {
		code = stt.CloseInternalError
		if reason == stt.ReasonUnsupportedAudio {
			code = stt.ClosePolicyViolation
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("close %d", code)
	}
	return code, reason, true
}

func toTranscript(mr *msginterfaces.MessageResponse) *transcript.Event {
	ev := &transcript.Event{
		Type:         mr.Type,
		ChannelIndex: mr.ChannelIndex,
		Duration:     mr.Duration,
		Start:        mr.Start,
		IsFinal:      mr.IsFinal,
		SpeechFinal:  mr.SpeechFinal,
		Metadata:     transcript.Metadata{RequestID: mr.Metadata.RequestID},
	}
	if ev.Type == "" {
		ev.Type = "Results"
	}
	for _, alt := range mr.Channel.Alternatives {
		ev.Channel.Alternatives = append(ev.Channel.Alternatives, transcript.Alternative{
			Transcript: alt.Transcript,
			Confidence: alt.Confidence,
		})
	}
	return ev
}

var _ stt.Session = (*StreamingSTT)(nil)
