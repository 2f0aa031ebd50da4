// Package conversation holds the client-side chat state: one ordered message
// sequence per conversation and the pointer to the conversation on screen.
package conversation

import (
	"github.com/puyokura/stompchat/model"
	"github.com/samber/lo"
)

// Broadcast identifies the shared public conversation.
const Broadcast = "public-chat"

// Store maps conversation identifiers to their message sequences.
// It is not safe for concurrent use; the UI event loop owns it.
type Store struct {
	conversations map[string][]model.Message
	ids           []string
	active        string
}

// NewStore returns a store seeded with the broadcast conversation and peers.
func NewStore(peers ...string) *Store {
	s := &Store{}
	s.Seed(peers)
	return s
}

// Seed discards all state and creates an empty conversation per peer.
// The active conversation is reset to Broadcast.
func (s *Store) Seed(peers []string) {
	s.conversations = make(map[string][]model.Message, len(peers)+1)
	s.ids = s.ids[:0]
	s.active = Broadcast
	s.ensure(Broadcast)
	for _, p := range lo.Uniq(peers) {
		if p == "" {
			continue
		}
		s.ensure(p)
	}
}

// Track adds an empty conversation for every peer not yet known, keeping
// existing sequences and the active pointer.
func (s *Store) Track(peers ...string) {
	for _, p := range peers {
		if p != "" {
			s.ensure(p)
		}
	}
}

func (s *Store) ensure(id string) {
	if _, ok := s.conversations[id]; ok {
		return
	}
	s.conversations[id] = []model.Message{}
	s.ids = append(s.ids, id)
}

func (s *Store) append(id string, msg model.Message) {
	s.ensure(id)
	s.conversations[id] = append(s.conversations[id], msg)
}

// AppendInbound routes a received message. Messages without a recipient go
// to Broadcast, private ones to the conversation keyed by their sender.
func (s *Store) AppendInbound(msg model.Message) {
	if !msg.IsPrivate() {
		s.append(Broadcast, msg)
		return
	}
	s.append(msg.Sender, msg)
}

// AppendOutboundEcho records a private message the local user just sent.
// The broker does not deliver private messages back to their sender.
// Broadcast sends must not be echoed: they come back over the public topic.
func (s *Store) AppendOutboundEcho(id string, msg model.Message) {
	s.append(id, msg)
}

// SetActive switches the conversation on screen. Unknown ids are accepted
// and simply show an empty sequence.
func (s *Store) SetActive(id string) {
	s.active = id
}

// Active returns the conversation on screen.
func (s *Store) Active() string {
	return s.active
}

// ActiveSequence returns a copy of the active conversation's messages.
func (s *Store) ActiveSequence() []model.Message {
	return s.Sequence(s.active)
}

// Sequence returns a copy of the messages stored under id.
func (s *Store) Sequence(id string) []model.Message {
	msgs := s.conversations[id]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns the number of messages stored under id.
func (s *Store) Len(id string) int {
	return len(s.conversations[id])
}

// IDs lists known conversations, Broadcast first, then in insertion order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Cycle moves the active pointer by delta positions over IDs, wrapping.
// An active id outside IDs restarts from Broadcast.
func (s *Store) Cycle(delta int) string {
	idx := lo.IndexOf(s.ids, s.active)
	if idx < 0 {
		idx = 0
	} else {
		n := len(s.ids)
		idx = ((idx+delta)%n + n) % n
	}
	s.active = s.ids[idx]
	return s.active
}
