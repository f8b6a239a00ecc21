package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   []*speechpb.StreamingRecognizeRequest
	recv   chan *speechpb.StreamingRecognizeResponse
	recvEr chan error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		recv:   make(chan *speechpb.StreamingRecognizeResponse, 4),
		recvEr: make(chan error, 1),
	}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case r := <-f.recv:
		return r, nil
	case err := <-f.recvEr:
		return nil, err
	}
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.recvEr <- io.EOF:
	default:
	}
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSession(fs *fakeStream) *StreamingSTT {
	s := New(Config{TraceID: "trace-1", Interim: true})
	s.dial = func(ctx context.Context) (recognizeStream, io.Closer, error) {
		return fs, io.NopCloser(nil), nil
	}
	return s
}

func next(t *testing.T, s *StreamingSTT) stt.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return stt.Event{}
}

func TestReadyAfterConfigAndTranscript(t *testing.T) {
	fs := newFakeStream()
	s := newTestSession(fs)
	if err := s.SendAudio([]byte{1}); !errors.Is(err, stt.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if ev := next(t, s); ev.Kind != stt.EventReady {
		t.Fatalf("expected ready, got %s", ev.Kind)
	}
	cfg := fs.sent[0].GetStreamingConfig().GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_MULAW || cfg.GetSampleRateHertz() != 8000 || cfg.GetAudioChannelCount() != 1 {
		t.Fatalf("unexpected recognition config %v", cfg)
	}
	if err := s.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fs.sentCount() != 2 {
		t.Fatalf("expected config + audio, got %d requests", fs.sentCount())
	}

	fs.recv <- &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:      true,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello world", Confidence: 0.9}},
		}},
	}
	ev := next(t, s)
	if ev.Kind != stt.EventTranscript || ev.Transcript.Text() != "hello world" || !ev.Transcript.Completed() {
		t.Fatalf("unexpected transcript event %+v", ev)
	}

	if err := s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ev := next(t, s); ev.Kind != stt.EventClosed || ev.Reason != stt.ReasonFinished {
		t.Fatalf("expected finished close, got %+v", ev)
	}
}

func TestDialFailureClosesSession(t *testing.T) {
	s := New(Config{})
	s.dial = func(ctx context.Context) (recognizeStream, io.Closer, error) {
		return nil, nil, errors.New("no credentials")
	}
	_ = s.Open(context.Background())
	ev := next(t, s)
	if ev.Kind != stt.EventClosed || ev.CloseCause() != stt.CauseConnectFailed {
		t.Fatalf("expected connect_failed close, got %+v", ev)
	}
}

func TestCloseFromStatus(t *testing.T) {
	cases := []struct {
		err  error
		want stt.CloseCause
	}{
		{status.Error(codes.InvalidArgument, "bad encoding"), stt.CauseUnsupportedAudio},
		{status.Error(codes.DeadlineExceeded, "deadline"), stt.CauseTimeout},
		{status.Error(codes.Aborted, "Stream timed out after receiving no more client requests."), stt.CauseNoData},
		{status.Error(codes.Aborted, "Exceeded maximum allowed stream duration"), stt.CauseTimeout},
		{status.Error(codes.Canceled, "context canceled"), stt.CauseNormal},
		{status.Error(codes.Internal, "boom"), stt.CauseOther},
	}
	for _, tc := range cases {
		if got := closeFromStatus(tc.err).CloseCause(); got != tc.want {
			t.Fatalf("closeFromStatus(%v) cause = %s, want %s", tc.err, got, tc.want)
		}
	}
}
