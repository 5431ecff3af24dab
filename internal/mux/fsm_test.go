package mux

import "testing"

func TestApplyEventOpenTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		event       Event
		wantState   State
		wantActions []Action
		wantChanged bool
	}{
		{"local bytes", EventLocalBytes, StateOpen, []Action{ActionEmitData}, false},
		{"local close", EventLocalClose, StateClosed, []Action{ActionEmitClose, ActionCloseEndpoint}, true},
		{"data frame in", EventDataFrame, StateOpen, []Action{ActionWriteEndpoint}, false},
		{"close frame in", EventCloseFrame, StateClosed, []Action{ActionCloseEndpoint}, true},
		{"overlay down", EventOverlayDown, StateClosed, []Action{ActionCloseEndpoint}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ApplyEvent(StateOpen, tt.event)
			if got.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", got.NewState, tt.wantState)
			}
			if got.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.wantChanged)
			}
			if len(got.Actions) != len(tt.wantActions) {
				t.Fatalf("Actions = %v, want %v", got.Actions, tt.wantActions)
			}
			for i, a := range got.Actions {
				if a != tt.wantActions[i] {
					t.Errorf("Actions[%d] = %v, want %v", i, a, tt.wantActions[i])
				}
			}
		})
	}
}

func TestApplyEventClosedIsIdempotent(t *testing.T) {
	t.Parallel()

	events := []Event{EventLocalBytes, EventLocalClose, EventDataFrame, EventCloseFrame, EventOverlayDown}
	for _, ev := range events {
		got := ApplyEvent(StateClosed, ev)
		if got.NewState != StateClosed {
			t.Errorf("ApplyEvent(Closed, %v).NewState = %v, want Closed", ev, got.NewState)
		}
		if got.Changed {
			t.Errorf("ApplyEvent(Closed, %v).Changed = true, want false", ev)
		}
		if len(got.Actions) != 0 {
			t.Errorf("ApplyEvent(Closed, %v).Actions = %v, want empty", ev, got.Actions)
		}
	}
}
