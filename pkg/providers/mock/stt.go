package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
	"github.com/harunnryd/callrelay/pkg/transcript"
)

type STTConfig struct {
	// AutoReady signals readiness on Open, after ReadyDelay.
	AutoReady  bool
	ReadyDelay time.Duration
	// Transcript, when set, is emitted as a final result every EmitEveryBytes
	// of received audio.
	Transcript     string
	EmitEveryBytes int
}

// StreamingSTT is an in-process backend driven by its config or by tests.
type StreamingSTT struct {
	cfg       STTConfig
	lifecycle stt.Lifecycle
	emitter   *stt.Emitter

	mu       sync.Mutex
	received [][]byte
	pending  int
	finishes int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript != "" && cfg.EmitEveryBytes <= 0 {
		cfg.EmitEveryBytes = 8000
	}
	return &StreamingSTT{cfg: cfg, emitter: stt.NewEmitter(64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Open(ctx context.Context) error {
	if !s.lifecycle.Transition(stt.StateUnopened, stt.StateOpening) {
		return stt.ErrAlreadyOpened
	}
	if s.cfg.AutoReady {
		go func() {
			if s.cfg.ReadyDelay > 0 {
				time.Sleep(s.cfg.ReadyDelay)
			}
			s.SignalReady()
		}()
	}
	return nil
}

// SignalReady completes the handshake.
func (s *StreamingSTT) SignalReady() bool {
	if !s.lifecycle.Transition(stt.StateOpening, stt.StateReady) {
		return false
	}
	return s.emitter.Emit(stt.Ready())
}

func (s *StreamingSTT) SendAudio(chunk []byte) error {
	if err := stt.CheckSendable(s.lifecycle.State()); err != nil {
		return err
	}
	s.mu.Lock()
	s.received = append(s.received, append([]byte(nil), chunk...))
	emit := false
	if s.cfg.Transcript != "" {
		s.pending += len(chunk)
		if s.pending >= s.cfg.EmitEveryBytes {
			s.pending = 0
			emit = true
		}
	}
	s.mu.Unlock()
	if emit {
		ev := transcript.NewFinal(s.cfg.Transcript)
		s.EmitTranscript(&ev)
	}
	return nil
}

// EmitTranscript pushes a recognition result as if the backend produced it.
func (s *StreamingSTT) EmitTranscript(ev *transcript.Event) bool {
	if s.lifecycle.State() == stt.StateClosed {
		return false
	}
	return s.emitter.Emit(stt.Transcript(ev))
}

// EmitError pushes a non-terminal backend error.
func (s *StreamingSTT) EmitError(requestID, detail string) bool {
	return s.emitter.Emit(stt.Failure(requestID, detail))
}

// CloseFromBackend simulates the backend ending the session.
func (s *StreamingSTT) CloseFromBackend(code int, reason string) bool {
	if s.lifecycle.Close() == stt.StateClosed {
		return false
	}
	return s.emitter.Close(stt.Closed(code, reason))
}

func (s *StreamingSTT) State() stt.State { return s.lifecycle.State() }

func (s *StreamingSTT) Events() <-chan stt.Event { return s.emitter.Events() }

func (s *StreamingSTT) Finish() error {
	s.mu.Lock()
	s.finishes++
	s.mu.Unlock()
	if s.lifecycle.Close() == stt.StateClosed {
		return nil
	}
	s.emitter.Close(stt.Closed(stt.CloseNormal, stt.ReasonFinished))
	return nil
}

// Received returns a copy of every audio chunk accepted so far.
func (s *StreamingSTT) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Finishes returns how many times Finish was called.
func (s *StreamingSTT) Finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishes
}

var _ stt.Session = (*StreamingSTT)(nil)
