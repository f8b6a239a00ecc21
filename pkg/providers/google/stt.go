package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/redact"
	"github.com/harunnryd/callrelay/pkg/transcript"
)

type Config struct {
	CredentialsJSON string
	LanguageCode    string
	Model           string
	Interim         bool
	TraceID         string
}

type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type dialFunc func(ctx context.Context) (recognizeStream, io.Closer, error)

// StreamingSTT is one Cloud Speech streaming recognize call.
type StreamingSTT struct {
	cfg       Config
	dial      dialFunc
	lifecycle stt.Lifecycle
	emitter   *stt.Emitter
	logger    *slog.Logger

	mu     sync.Mutex
	stream recognizeStream
	closer io.Closer
	cancel context.CancelFunc
}

func New(cfg Config) *StreamingSTT {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.Model == "" {
		cfg.Model = "phone_call"
	}
	s := &StreamingSTT{
		cfg:     cfg,
		emitter: stt.NewEmitter(256),
		logger: logging.NewComponentLogger(slog.Default(), "google_stt").With(
			slog.String("trace_id", cfg.TraceID)),
	}
	s.dial = s.dialSpeech
	return s
}

func (s *StreamingSTT) Name() string { return "google_streaming" }

func (s *StreamingSTT) State() stt.State { return s.lifecycle.State() }

func (s *StreamingSTT) Events() <-chan stt.Event { return s.emitter.Events() }

func (s *StreamingSTT) dialSpeech(ctx context.Context) (recognizeStream, io.Closer, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(s.cfg.CredentialsJSON) != "" {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			CredentialsJSON: []byte(s.cfg.CredentialsJSON),
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("detect credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.StreamingRecognize(ctx)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return stream, c, nil
}

func (s *StreamingSTT) Open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.lifecycle.Transition(stt.StateUnopened, stt.StateOpening) {
		return stt.ErrAlreadyOpened
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
	return nil
}

func (s *StreamingSTT) run(ctx context.Context) {
	stream, closer, err := s.dial(ctx)
	if err != nil {
		s.logger.Error("google_connect_failed", slog.String("error", err.Error()))
		s.terminate(stt.Closed(0, stt.ReasonConnectFailed))
		return
	}
	s.mu.Lock()
	s.stream, s.closer = stream, closer
	s.mu.Unlock()

	profile := stt.TelephonyProfile(s.cfg.Model)
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_MULAW,
					SampleRateHertz:            int32(profile.SampleRate),
					AudioChannelCount:          int32(profile.Channels),
					LanguageCode:               s.cfg.LanguageCode,
					Model:                      profile.Model,
					EnableAutomaticPunctuation: profile.SmartFormat,
				},
				InterimResults: s.cfg.Interim,
			},
		},
	})
	if err != nil {
		s.logger.Error("google_config_send_failed", slog.String("error", err.Error()))
		s.terminate(closeFromStatus(err))
		return
	}
	if s.lifecycle.Transition(stt.StateOpening, stt.StateReady) {
		s.logger.Info("google_ready", slog.String("model", profile.Model))
		s.emitter.Emit(stt.Ready())
	}
	s.receive(stream)
}

func (s *StreamingSTT) receive(stream recognizeStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(stt.Closed(stt.CloseNormal, "closed by backend"))
				return
			}
			s.terminate(closeFromStatus(err))
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
			s.emitter.Emit(stt.Failure(s.cfg.TraceID, st.GetMessage()))
			continue
		}
		for _, result := range resp.GetResults() {
			ev := toTranscript(result)
			if ev == nil {
				continue
			}
			s.logger.Debug("transcript_received",
				slog.String("transcript", redact.Text(ev.Text())),
				slog.Bool("is_final", ev.IsFinal))
			s.emitter.Emit(stt.Transcript(ev))
		}
	}
}

func (s *StreamingSTT) SendAudio(chunk []byte) error {
	if err := stt.CheckSendable(s.State()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return stt.ErrClosed
	}
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
	return errorsx.Wrap(err, errorsx.ReasonSTTSend)
}

func (s *StreamingSTT) Finish() error {
	if s.lifecycle.Close() == stt.StateClosed {
		return nil
	}
	s.logger.Info("closing google stream")
	s.release()
	s.emitter.Close(stt.Closed(stt.CloseNormal, stt.ReasonFinished))
	return nil
}

func (s *StreamingSTT) terminate(ev stt.Event) {
	if s.lifecycle.Close() == stt.StateClosed {
		return
	}
	s.logger.Warn("google_session_closed",
		slog.Int("code", ev.Code),
		slog.String("reason", ev.Reason),
		slog.String("cause", string(ev.CloseCause())))
	s.release()
	s.emitter.Close(ev)
}

func (s *StreamingSTT) release() {
	s.mu.Lock()
	stream, closer, cancel := s.stream, s.closer, s.cancel
	s.stream, s.closer, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
}

// closeFromStatus maps a grpc stream error onto the websocket-style close
// codes and reasons shared by all providers.
func closeFromStatus(err error) stt.Event {
	st, ok := status.FromError(err)
	if !ok {
		return stt.Closed(stt.CloseInternalError, err.Error())
	}
	msg := strings.ToLower(st.Message())
	switch st.Code() {
	case codes.InvalidArgument:
		return stt.Closed(stt.ClosePolicyViolation, stt.ReasonUnsupportedAudio)
	case codes.DeadlineExceeded:
		return stt.Closed(stt.CloseInternalError, stt.ReasonTimeout)
	case codes.OutOfRange:
		return stt.Closed(stt.CloseInternalError, stt.ReasonTimeout)
	case codes.Aborted:
		if strings.Contains(msg, "no more client requests") || strings.Contains(msg, "audio timeout") {
			return stt.Closed(stt.CloseInternalError, stt.ReasonNoData)
		}
		return stt.Closed(stt.CloseInternalError, stt.ReasonTimeout)
	case codes.Canceled:
		return stt.Closed(stt.CloseNormal, stt.ReasonFinished)
	default:
		return stt.Closed(stt.CloseInternalError, st.Message())
	}
}

func toTranscript(result *speechpb.StreamingRecognitionResult) *transcript.Event {
	alts := result.GetAlternatives()
	if len(alts) == 0 {
		return nil
	}
	ev := &transcript.Event{
		Type:         "Results",
		ChannelIndex: []int{int(result.GetChannelTag()), 1},
		IsFinal:      result.GetIsFinal(),
		// A final Cloud Speech result always closes the utterance.
		SpeechFinal: result.GetIsFinal(),
	}
	if end := result.GetResultEndTime(); end != nil {
		ev.Duration = end.AsDuration().Seconds()
	}
	for _, alt := range alts {
		ev.Channel.Alternatives = append(ev.Channel.Alternatives, transcript.Alternative{
			Transcript: alt.GetTranscript(),
			Confidence: float64(alt.GetConfidence()),
		})
	}
	return ev
}

var _ stt.Session = (*StreamingSTT)(nil)
