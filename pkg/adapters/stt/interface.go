package stt

import (
	"context"
	"errors"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/transcript"
)

var (
	// ErrNotReady is returned by SendAudio before the backend handshake completes.
	ErrNotReady = errorsx.New(errorsx.ReasonSTTNotReady, "stt session not ready")
	// ErrClosed is returned by SendAudio once the session has ended.
	ErrClosed = errorsx.New(errorsx.ReasonSTTClosed, "stt session closed")
	// ErrAlreadyOpened is returned by Open on any state other than StateUnopened.
	ErrAlreadyOpened = errors.New("stt session already opened")
)

// CheckSendable returns nil when audio may be sent in st, ErrClosed after the
// session ended and ErrNotReady otherwise.
func CheckSendable(st State) error {
	switch st {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

// Session is one streaming connection to a speech-to-text backend.
// Callers drive it through Open/SendAudio/Finish and observe it through Events.
type Session interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open starts the backend handshake. Completion is signaled by EventReady.
	Open(ctx context.Context) error
	// SendAudio forwards a raw audio chunk. Only valid in StateReady.
	SendAudio(chunk []byte) error
	// State returns the current lifecycle state.
	State() State
	// Events returns the session event stream. It is closed after EventClosed.
	Events() <-chan Event
	// Finish requests graceful termination. Safe to call more than once.
	Finish() error
}

// Factory builds a fresh session for one call. traceID correlates logs.
type Factory func(traceID string) Session

// AudioProfile is the fixed audio format of a telephony media stream.
type AudioProfile struct {
	Encoding    string
	SampleRate  int
	Channels    int
	SmartFormat bool
	Model       string
}

// TelephonyProfile returns mu-law 8 kHz mono with smart formatting.
func TelephonyProfile(model string) AudioProfile {
	if model == "" {
		model = "nova-2"
	}
	return AudioProfile{
		Encoding:    "mulaw",
		SampleRate:  8000,
		Channels:    1,
		SmartFormat: true,
		Model:       model,
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	EventReady EventKind = iota + 1
	EventTranscript
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union emitted by a Session. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// EventTranscript
	Transcript *transcript.Event

	// EventClosed
	Code   int
	Reason string

	// EventError
	RequestID string
	Detail    string
}

func Ready() Event { return Event{Kind: EventReady} }

func Transcript(ev *transcript.Event) Event {
	return Event{Kind: EventTranscript, Transcript: ev}
}

func Closed(code int, reason string) Event {
	return Event{Kind: EventClosed, Code: code, Reason: reason}
}

func Failure(requestID, detail string) Event {
	return Event{Kind: EventError, RequestID: requestID, Detail: detail}
}

// CloseCause returns the diagnostic classification of an EventClosed.
func (e Event) CloseCause() CloseCause {
	return ClassifyClose(e.Code, e.Reason)
}
