package consent

import "fmt"

// transitions lists every legal edge. Anything not listed, including
// self-transitions and edges out of terminal states, is illegal.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusPending},
	StatusPending:   {StatusActive, StatusExpired, StatusRevoked, StatusPaused},
	StatusActive:    {StatusExpired, StatusRevoked, StatusPaused},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Replay folds an event log into the status it implies. The log must
// start with a CREATED event into INITIATED and every later event must
// be a legal edge from the previous status with a contiguous seq.
func Replay(events []*Event) (Status, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("%w: empty log", ErrCorruptLog)
	}

	first := events[0]
	if first.Type != EventCreated || first.ToStatus != StatusInitiated || first.Seq != 1 {
		return "", fmt.Errorf("%w: log does not start with creation", ErrCorruptLog)
	}

	status := first.ToStatus
	for i, ev := range events[1:] {
		wantSeq := int64(i) + 2
		if ev.Seq != wantSeq {
			return "", fmt.Errorf("%w: seq %d at position %d, want %d", ErrCorruptLog, ev.Seq, i+1, wantSeq)
		}
		if ev.Type != EventTransition {
			return "", fmt.Errorf("%w: unexpected %s event at seq %d", ErrCorruptLog, ev.Type, ev.Seq)
		}
		if ev.FromStatus != "" && ev.FromStatus != status {
			return "", fmt.Errorf("%w: seq %d claims from %s, log says %s", ErrCorruptLog, ev.Seq, ev.FromStatus, status)
		}
		if !CanTransition(status, ev.ToStatus) {
			return "", fmt.Errorf("%w: seq %d: %s -> %s", ErrCorruptLog, ev.Seq, status, ev.ToStatus)
		}
		status = ev.ToStatus
	}
	return status, nil
}
