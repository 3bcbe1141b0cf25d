package connection

import "testing"

func TestState_Next(t *testing.T) {
	tests := []struct {
		from State
		ev   event
		to   State
		ok   bool
	}{
		{StateIdle, evConnect, StateConnecting, true},
		{StateIdle, evOpened, StateIdle, false},
		{StateIdle, evLost, StateIdle, false},
		{StateIdle, evClose, StateClosed, true},

		{StateConnecting, evConnect, StateConnecting, false},
		{StateConnecting, evOpened, StateOpen, true},
		{StateConnecting, evLost, StatePendingReconnect, true},
		{StateConnecting, evGiveUp, StateIdle, true},

		{StateOpen, evConnect, StateOpen, false},
		{StateOpen, evOpened, StateOpen, false},
		{StateOpen, evLost, StatePendingReconnect, true},
		{StateOpen, evGiveUp, StateIdle, true},
		{StateOpen, evClose, StateClosed, true},

		{StatePendingReconnect, evConnect, StateConnecting, true},
		{StatePendingReconnect, evLost, StatePendingReconnect, false},
		{StatePendingReconnect, evGiveUp, StateIdle, true},
		{StatePendingReconnect, evClose, StateClosed, true},

		{StateClosed, evConnect, StateClosed, false},
		{StateClosed, evOpened, StateClosed, false},
		{StateClosed, evLost, StateClosed, false},
		{StateClosed, evClose, StateClosed, false},
	}

	for _, tt := range tests {
		got, ok := tt.from.next(tt.ev)
		if got != tt.to || ok != tt.ok {
			t.Errorf("%v.next(%d) = (%v, %v), want (%v, %v)", tt.from, tt.ev, got, ok, tt.to, tt.ok)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := StatePendingReconnect.String(); got != "pending_reconnect" {
		t.Errorf("String() = %q, want pending_reconnect", got)
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestState_MarshalText(t *testing.T) {
	data, err := StateOpen.MarshalText()
	if err != nil || string(data) != "open" {
		t.Errorf("MarshalText() = (%q, %v), want open", data, err)
	}
}
