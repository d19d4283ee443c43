package consent

import (
	"errors"
	"testing"
)

var allStatuses = []Status{StatusInitiated, StatusPending, StatusActive, StatusExpired, StatusRevoked, StatusPaused}

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusInitiated, StatusPending}: true,
		{StatusPending, StatusActive}:    true,
		{StatusPending, StatusExpired}:   true,
		{StatusPending, StatusRevoked}:   true,
		{StatusPending, StatusPaused}:    true,
		{StatusActive, StatusExpired}:    true,
		{StatusActive, StatusRevoked}:    true,
		{StatusActive, StatusPaused}:     true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, from := range allStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Errorf("terminal %s allows transition to %s", from, to)
			}
		}
	}
}

func event(seq int64, typ EventType, from, to Status) *Event {
	return &Event{Seq: seq, Type: typ, FromStatus: from, ToStatus: to}
}

func TestReplay(t *testing.T) {
	tests := []struct {
		name    string
		events  []*Event
		want    Status
		wantErr bool
	}{
		{
			name:   "created only",
			events: []*Event{event(1, EventCreated, "", StatusInitiated)},
			want:   StatusInitiated,
		},
		{
			name: "full happy path",
			events: []*Event{
				event(1, EventCreated, "", StatusInitiated),
				event(2, EventTransition, StatusInitiated, StatusPending),
				event(3, EventTransition, StatusPending, StatusActive),
				event(4, EventTransition, StatusActive, StatusRevoked),
			},
			want: StatusRevoked,
		},
		{
			name:    "empty log",
			events:  nil,
			wantErr: true,
		},
		{
			name: "missing creation",
			events: []*Event{
				event(1, EventTransition, StatusInitiated, StatusPending),
			},
			wantErr: true,
		},
		{
			name: "illegal edge",
			events: []*Event{
				event(1, EventCreated, "", StatusInitiated),
				event(2, EventTransition, StatusInitiated, StatusActive),
			},
			wantErr: true,
		},
		{
			name: "seq gap",
			events: []*Event{
				event(1, EventCreated, "", StatusInitiated),
				event(3, EventTransition, StatusInitiated, StatusPending),
			},
			wantErr: true,
		},
		{
			name: "from disagrees with log",
			events: []*Event{
				event(1, EventCreated, "", StatusInitiated),
				event(2, EventTransition, StatusInitiated, StatusPending),
				event(3, EventTransition, StatusActive, StatusRevoked),
			},
			wantErr: true,
		},
		{
			name: "exit from terminal",
			events: []*Event{
				event(1, EventCreated, "", StatusInitiated),
				event(2, EventTransition, StatusInitiated, StatusPending),
				event(3, EventTransition, StatusPending, StatusPaused),
				event(4, EventTransition, StatusPaused, StatusActive),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replay(tt.events)
			if tt.wantErr {
				if !errors.Is(err, ErrCorruptLog) {
					t.Errorf("Replay() error = %v, want ErrCorruptLog", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Replay() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Replay() = %s, want %s", got, tt.want)
			}
		})
	}
}
