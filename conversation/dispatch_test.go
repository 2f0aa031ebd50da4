package conversation

import (
	"errors"
	"testing"

	"github.com/puyokura/stompchat/model"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_Routing(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		wantID string
		want   model.Message
	}{
		{
			name:   "broadcast goes to public chat",
			event:  BroadcastReceived{Message: chat("carol", "hello all", "")},
			wantID: Broadcast,
			want:   chat("carol", "hello all", ""),
		},
		{
			name:   "broadcast recipient is ignored",
			event:  BroadcastReceived{Message: chat("carol", "sneaky", "bob")},
			wantID: Broadcast,
			want:   chat("carol", "sneaky", ""),
		},
		{
			name:   "private keyed by sender",
			event:  PrivateReceived{Message: chat("bob", "hi", "alice")},
			wantID: "bob",
			want:   chat("bob", "hi", "alice"),
		},
		{
			name:   "private without recipient still private",
			event:  PrivateReceived{Message: chat("bob", "hi", "")},
			wantID: "bob",
			want:   chat("bob", "hi", "alice"),
		},
		{
			name:   "connected notice",
			event:  Connected{},
			wantID: Broadcast,
			want:   model.Message{Sender: SystemSender, Content: "You are connected.", Type: model.TypeEvent},
		},
		{
			name:   "transport failure with broker reason",
			event:  TransportFailed{Err: errors.New("boom"), Reason: "Invalid token"},
			wantID: Broadcast,
			want:   model.Message{Sender: SystemSender, Content: "Invalid token", Type: model.TypeEvent},
		},
		{
			name:   "transport failure without reason",
			event:  TransportFailed{Err: errors.New("eof")},
			wantID: Broadcast,
			want:   model.Message{Sender: SystemSender, Content: "Error connecting to chat. Retrying...", Type: model.TypeEvent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			s := NewStore("bob")
			s.SetActive("bob")
			NewDispatcher(s, "alice").Dispatch(tt.event)

			req.Equal([]model.Message{tt.want}, s.Sequence(tt.wantID))
			for _, id := range s.IDs() {
				if id != tt.wantID {
					req.Empty(s.Sequence(id), id)
				}
			}
		})
	}
}

func TestDispatcher_ScenarioAliceBobCarol(t *testing.T) {
	req := require.New(t)
	s := NewStore("bob")
	d := NewDispatcher(s, "alice")
	req.Equal([]string{Broadcast, "bob"}, s.IDs())

	d.Dispatch(PrivateReceived{Message: chat("bob", "hi", "alice")})
	s.SetActive("bob")
	req.Equal([]string{"hi"}, contents(s.ActiveSequence()))

	d.Dispatch(BroadcastReceived{Message: chat("carol", "morning", "")})
	req.Equal([]string{"hi"}, contents(s.ActiveSequence()))

	s.SetActive(Broadcast)
	req.Equal([]string{"morning"}, contents(s.ActiveSequence()))
	req.Equal([]string{"hi"}, contents(s.Sequence("bob")))
}

func contents(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
