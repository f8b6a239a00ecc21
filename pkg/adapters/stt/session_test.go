package stt

import (
	"testing"

	"github.com/harunnryd/callrelay/pkg/errorsx"
)

func TestLifecycleTransitions(t *testing.T) {
	var l Lifecycle
	if l.State() != StateUnopened {
		t.Fatalf("expected UNOPENED, got %s", l.State())
	}
	if l.Transition(StateUnopened, StateReady) {
		t.Fatalf("expected UNOPENED -> READY to be rejected")
	}
	if !l.Transition(StateUnopened, StateOpening) {
		t.Fatalf("expected UNOPENED -> OPENING")
	}
	if !l.Transition(StateOpening, StateReady) {
		t.Fatalf("expected OPENING -> READY")
	}
	if prev := l.Close(); prev != StateReady {
		t.Fatalf("expected previous READY, got %s", prev)
	}
	if l.Transition(StateClosed, StateOpening) {
		t.Fatalf("expected CLOSED to be terminal")
	}
	if l.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", l.State())
	}
}

func TestEmitterClosesOnce(t *testing.T) {
	e := NewEmitter(4)
	if !e.Emit(Ready()) {
		t.Fatalf("expected emit before close")
	}
	if !e.Close(Closed(CloseNormal, ReasonFinished)) {
		t.Fatalf("expected first close to succeed")
	}
	if e.Close(Closed(CloseNormal, ReasonFinished)) {
		t.Fatalf("expected second close to be a no-op")
	}
	if e.Emit(Ready()) {
		t.Fatalf("expected emit after close to be rejected")
	}
	var kinds []EventKind
	for ev := range e.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != EventReady || kinds[1] != EventClosed {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestClassifyClose(t *testing.T) {
	cases := []struct {
		code   int
		reason string
		want   CloseCause
	}{
		{ClosePolicyViolation, "", CauseUnsupportedAudio},
		{ClosePolicyViolation, ReasonUnsupportedAudio, CauseUnsupportedAudio},
		{CloseInternalError, ReasonTimeout, CauseTimeout},
		{CloseInternalError, ReasonNoData, CauseNoData},
		{CloseInternalError, "", CauseOther},
		{CloseNormal, ReasonFinished, CauseNormal},
		{0, ReasonConnectFailed, CauseConnectFailed},
	}
	for _, tc := range cases {
		if got := ClassifyClose(tc.code, tc.reason); got != tc.want {
			t.Fatalf("ClassifyClose(%d, %q) = %s, want %s", tc.code, tc.reason, got, tc.want)
		}
	}
}

func TestCheckSendableReasons(t *testing.T) {
	if err := CheckSendable(StateReady); err != nil {
		t.Fatalf("expected READY sendable, got %v", err)
	}
	for _, st := range []State{StateUnopened, StateOpening} {
		if err := CheckSendable(st); err != ErrNotReady || !errorsx.HasReason(err, errorsx.ReasonSTTNotReady) {
			t.Fatalf("%s: expected stt_not_ready, got %v", st, err)
		}
	}
	if err := CheckSendable(StateClosed); err != ErrClosed || !errorsx.HasReason(err, errorsx.ReasonSTTClosed) {
		t.Fatalf("expected stt_closed, got %v", err)
	}
}
