package calls

import (
	"errors"
	"fmt"

	"telecom-callflow/internal/events"
)

// State is the lifecycle state of a Call.
//
//	initiating -> ringing -> answered -> in_progress -> ended
//	any non-terminal -> failed
//
// ended and failed are terminal.
type State string

const (
	// StateNone is the implicit state of a call that has not been stored yet.
	StateNone State = ""

	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateAnswered   State = "answered"
	StateInProgress State = "in_progress"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// DefaultState is the status a call is created with when its first event cannot set one.
const DefaultState = StateInitiating

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StateInitiating, StateRinging, StateAnswered, StateInProgress, StateEnded, StateFailed:
		return true
	default:
		return false
	}
}

var ErrIllegalTransition = errors.New("calls: illegal transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From      State
	EventType events.Type
	Reason    string
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	if e.Reason != "" {
		return fmt.Sprintf("calls: illegal transition %s from %s: %s", e.EventType, from, e.Reason)
	}
	return fmt.Sprintf("calls: illegal transition %s from %s", e.EventType, from)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Kind classifies how an event type interacts with the state machine.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransition events move the primary state.
	KindTransition
	// KindSideEffect events only attach data (recordings, transcripts, facts).
	KindSideEffect
)

func Classify(t events.Type) Kind {
	switch t {
	case events.TypeCallInitiated,
		events.TypeCallRinging,
		events.TypeCallAnswered,
		events.TypeCallBridged,
		events.TypeCallHangup,
		events.TypeCallFailed:
		return KindTransition
	case events.TypeCallRecordingSaved,
		events.TypeCallTranscription,
		events.TypeCallDTMFReceived,
		events.TypeCallMachineDetectionEnded:
		return KindSideEffect
	default:
		return KindUnknown
	}
}

// transitions maps an event type to the source states it is legal from and its target.
var transitions = map[events.Type]struct {
	from   []State
	target State
}{
	events.TypeCallInitiated: {from: []State{StateNone, StateInitiating}, target: StateInitiating},
	events.TypeCallRinging:   {from: []State{StateNone, StateInitiating, StateRinging}, target: StateRinging},
	events.TypeCallAnswered:  {from: []State{StateNone, StateInitiating, StateRinging, StateAnswered}, target: StateAnswered},
	events.TypeCallBridged:   {from: []State{StateAnswered, StateInProgress}, target: StateInProgress},
	events.TypeCallHangup:    {from: []State{StateNone, StateInitiating, StateRinging, StateAnswered, StateInProgress}, target: StateEnded},
	events.TypeCallFailed:    {from: []State{StateNone, StateInitiating, StateRinging, StateAnswered, StateInProgress}, target: StateFailed},
}

// Next returns the state a call in from moves to when an event of type t is applied.
//
// Side-effect and unknown types return from unchanged with a nil error.
// A *TransitionError (matching ErrIllegalTransition) is returned when t is not legal from from;
// the caller keeps from.
func Next(from State, t events.Type) (State, error) {
	if Classify(t) != KindTransition {
		return from, nil
	}
	if from.Terminal() {
		return from, &TransitionError{From: from, EventType: t, Reason: "call is terminal"}
	}
	rule := transitions[t]
	for _, s := range rule.from {
		if s == from {
			return rule.target, nil
		}
	}
	return from, &TransitionError{From: from, EventType: t}
}
