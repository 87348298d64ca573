package message_test

import (
	"errors"
	"testing"

	"github.com/dshills/spice-go/message"
)

// allStates enumerates the full state space for transition-table
// property checks.
var allStates = []message.State{
	message.StateReady,
	message.StateRunning,
	message.StateWaiting,
	message.StateCompleted,
	message.StateFailed,
}

var legalPairs = map[message.State][]message.State{
	message.StateReady:   {message.StateRunning},
	message.StateRunning: {message.StateWaiting, message.StateCompleted, message.StateFailed},
	message.StateWaiting: {message.StateRunning, message.StateFailed},
}

func isLegal(from, to message.State) bool {
	for _, next := range legalPairs[from] {
		if next == to {
			return true
		}
	}
	return false
}

func messageInState(t *testing.T, state message.State) message.Message {
	t.Helper()
	msg := message.New("x", "a")
	switch state {
	case message.StateReady:
		return msg
	case message.StateRunning:
		msg, _ = msg.TransitionTo(message.StateRunning, "", "")
	case message.StateWaiting:
		msg, _ = msg.TransitionTo(message.StateRunning, "", "")
		msg, _ = msg.TransitionTo(message.StateWaiting, "", "")
	case message.StateCompleted:
		msg, _ = msg.TransitionTo(message.StateRunning, "", "")
		msg, _ = msg.TransitionTo(message.StateCompleted, "", "")
	case message.StateFailed:
		msg, _ = msg.TransitionTo(message.StateRunning, "", "")
		msg, _ = msg.TransitionTo(message.StateFailed, "", "")
	}
	return msg
}

// TestTransitionTable exhaustively checks every (from, to) pair against
// the legal-transition table: legal transitions land in the target
// state with exactly one new history entry; illegal ones error and
// leave the message unchanged.
func TestTransitionTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			msg := messageInState(t, from)
			before := len(msg.StateHistory)

			next, err := msg.TransitionTo(to, "check", "node-x")

			if isLegal(from, to) {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
					continue
				}
				if next.State != to {
					t.Errorf("%s -> %s: ended in %s", from, to, next.State)
				}
				if len(next.StateHistory) != before+1 {
					t.Errorf("%s -> %s: history grew by %d, want 1", from, to, len(next.StateHistory)-before)
				}
				last := next.StateHistory[len(next.StateHistory)-1]
				if last.From != from || last.To != to || last.Reason != "check" || last.NodeID != "node-x" {
					t.Errorf("%s -> %s: bad history entry %+v", from, to, last)
				}
			} else {
				if err == nil {
					t.Errorf("%s -> %s: expected error", from, to)
					continue
				}
				var terr *message.TransitionError
				if !errors.As(err, &terr) {
					t.Errorf("%s -> %s: expected TransitionError, got %T", from, to, err)
				}
				if next.State != from || len(next.StateHistory) != before {
					t.Errorf("%s -> %s: message mutated on illegal transition", from, to)
				}
			}
		}
	}
}

func TestHistoryTimestampsMonotone(t *testing.T) {
	msg := message.New("x", "a")
	msg, _ = msg.TransitionTo(message.StateRunning, "", "")
	msg, _ = msg.TransitionTo(message.StateWaiting, "", "")
	msg, _ = msg.TransitionTo(message.StateRunning, "", "")
	msg, _ = msg.TransitionTo(message.StateCompleted, "", "")

	for i := 1; i < len(msg.StateHistory); i++ {
		if msg.StateHistory[i].Timestamp.Before(msg.StateHistory[i-1].Timestamp) {
			t.Errorf("history entry %d precedes entry %d", i, i-1)
		}
	}
}

func TestIsTerminalStates(t *testing.T) {
	if !message.StateCompleted.IsTerminal() || !message.StateFailed.IsTerminal() {
		t.Error("COMPLETED and FAILED are terminal")
	}
	if message.StateReady.IsTerminal() || message.StateRunning.IsTerminal() || message.StateWaiting.IsTerminal() {
		t.Error("READY, RUNNING, WAITING are not terminal")
	}
}
