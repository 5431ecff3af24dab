package mux

// This file implements the per-flow state machine (spec.md section 4.3) as
// a pure function over a transition table, in the same style as the BFD
// session FSM this package is modeled on: no side effects, no Engine
// dependency, trivially testable in isolation.
//
// Per spec.md section 4.3, HalfClosed is optional and collapsed into
// Closed here. Flow liveness itself is tracked by flow.Table membership,
// not by a state field on Engine -- ApplyEvent is consulted for the
// *actions* a transition implies, while Engine treats "present in the
// table" as the authoritative Open/Closed signal.

// State is a flow's position in the per-flow lifecycle.
type State uint8

const (
	// StateOpen is the initial and only "live" state: the TCP endpoint is
	// writable and, as far as this flow knows, the overlay pipe is up.
	StateOpen State = iota

	// StateClosed is terminal. Every event in this state is a no-op.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is an input to the per-flow state machine.
type Event uint8

const (
	// EventLocalBytes is local TCP bytes ready to forward over the overlay.
	EventLocalBytes Event = iota

	// EventLocalClose is local TCP EOF or I/O error.
	EventLocalClose

	// EventDataFrame is an inbound DATA frame for this flow.
	EventDataFrame

	// EventCloseFrame is an inbound CLOSE frame for this flow.
	EventCloseFrame

	// EventOverlayDown is loss of the overlay pipe.
	EventOverlayDown
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventLocalBytes:
		return "LocalBytes"
	case EventLocalClose:
		return "LocalClose"
	case EventDataFrame:
		return "DataFrame"
	case EventCloseFrame:
		return "CloseFrame"
	case EventOverlayDown:
		return "OverlayDown"
	default:
		return "Unknown"
	}
}

// Action is a side effect the caller must execute after a transition.
type Action uint8

const (
	// ActionEmitData sends the local bytes as a DATA frame over the overlay.
	ActionEmitData Action = iota + 1

	// ActionEmitClose sends a CLOSE frame over the overlay.
	ActionEmitClose

	// ActionWriteEndpoint writes an inbound DATA frame's payload to the
	// local TCP endpoint.
	ActionWriteEndpoint

	// ActionCloseEndpoint closes the local TCP endpoint and removes the
	// flow from the table.
	ActionCloseEndpoint
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionEmitData:
		return "EmitData"
	case ActionEmitClose:
		return "EmitClose"
	case ActionWriteEndpoint:
		return "WriteEndpoint"
	case ActionCloseEndpoint:
		return "CloseEndpoint"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// fsmTable is the complete per-flow transition table, derived from the
// table in spec.md section 4.3. Pairs not listed here (including every
// pair with state == StateClosed) are ignored: ApplyEvent returns the
// unchanged state with no actions.
var fsmTable = map[stateEvent]transition{
	{StateOpen, EventLocalBytes}: {
		newState: StateOpen,
		actions:  []Action{ActionEmitData},
	},
	{StateOpen, EventLocalClose}: {
		newState: StateClosed,
		actions:  []Action{ActionEmitClose, ActionCloseEndpoint},
	},
	{StateOpen, EventDataFrame}: {
		newState: StateOpen,
		actions:  []Action{ActionWriteEndpoint},
	},
	{StateOpen, EventCloseFrame}: {
		newState: StateClosed,
		actions:  []Action{ActionCloseEndpoint},
	},
	{StateOpen, EventOverlayDown}: {
		newState: StateClosed,
		actions:  []Action{ActionCloseEndpoint},
	},
}

// FSMResult holds the outcome of applying an event to the FSM.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// ApplyEvent looks up the transition for (state, event) and returns its
// result. Unlisted pairs -- including anything in StateClosed -- are
// idempotent no-ops.
func ApplyEvent(state State, event Event) FSMResult {
	tr, ok := fsmTable[stateEvent{state, event}]
	if !ok {
		return FSMResult{OldState: state, NewState: state}
	}
	return FSMResult{
		OldState: state,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  tr.newState != state,
	}
}
