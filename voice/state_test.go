package voice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateDisconnected
	for _, step := range []struct {
		event Event
		want  State
	}{
		{EventConnect, StateConnecting},
		{EventHandshakeOK, StateConnected},
		{EventSpeechDetected, StateListening},
		{EventUtteranceEnd, StateProcessing},
		{EventReplyReady, StateSpeaking},
		{EventFinished, StateConnected},
		{EventSpeechDetected, StateListening},
		{EventUtteranceEnd, StateProcessing},
		{EventReplyReady, StateSpeaking},
		{EventInterrupted, StateConnected},
	} {
		next, err := Transition(s, step.event)
		require.NoError(t, err)
		require.Equal(t, step.want, next, "%s --(%s)-->", s, step.event)
		s = next
	}
}

func TestTransitionTransportLostFromAnyState(t *testing.T) {
	states := []State{StateDisconnected, StateConnecting, StateConnected, StateListening, StateProcessing, StateSpeaking}
	for _, state := range states {
		for _, ev := range []Event{EventTransportLost, EventDisconnect} {
			next, err := Transition(state, ev)
			require.NoError(t, err)
			require.Equal(t, StateDisconnected, next)
		}
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
	}{
		{name: "disconnected needs connect", state: StateDisconnected, event: EventHandshakeOK},
		{name: "disconnected speech", state: StateDisconnected, event: EventSpeechDetected},
		{name: "connecting speech", state: StateConnecting, event: EventSpeechDetected},
		{name: "connected reconnect", state: StateConnected, event: EventConnect},
		{name: "connected interrupt", state: StateConnected, event: EventInterrupted},
		{name: "listening reply", state: StateListening, event: EventReplyReady},
		{name: "processing speech", state: StateProcessing, event: EventSpeechDetected},
		{name: "speaking utterance", state: StateSpeaking, event: EventUtteranceEnd},
		{name: "speaking connect", state: StateSpeaking, event: EventConnect},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.state, next)
			require.Error(t, err)
			require.Contains(t, err.Error(), "非法状态迁移")
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(State("sleeping"), EventConnect)
	require.Error(t, err)
}

func TestTransitionSilentUtteranceReturnsToConnected(t *testing.T) {
	next, err := Transition(StateListening, EventFinished)
	require.NoError(t, err)
	require.Equal(t, StateConnected, next)

	next, err = Transition(StateProcessing, EventFinished)
	require.NoError(t, err)
	require.Equal(t, StateConnected, next)
}
