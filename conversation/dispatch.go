package conversation

import (
	"github.com/puyokura/stompchat/model"
)

// SystemSender is the sender name of locally generated notices.
const SystemSender = "System"

const (
	connectedNotice = "You are connected."
	transportNotice = "Error connecting to chat. Retrying..."
)

// Event is an inbound transport event. The set of variants is closed.
type Event interface {
	isEvent()
}

// BroadcastReceived carries a message from the public topic.
type BroadcastReceived struct {
	Message model.Message
}

// PrivateReceived carries a message from the user's private queue.
type PrivateReceived struct {
	Message model.Message
}

// Connected is emitted every time the transport (re)connects.
type Connected struct{}

// TransportFailed is emitted when the transport reports an error.
// Reason is the broker's message, if it sent one.
type TransportFailed struct {
	Err    error
	Reason string
}

func (BroadcastReceived) isEvent() {}
func (PrivateReceived) isEvent()   {}
func (Connected) isEvent()         {}
func (TransportFailed) isEvent()   {}

// Dispatcher applies inbound events to a Store on behalf of one user.
type Dispatcher struct {
	store *Store
	self  string
}

func NewDispatcher(store *Store, self string) *Dispatcher {
	return &Dispatcher{store: store, self: self}
}

// Dispatch routes ev into the store. Routing never depends on the
// conversation currently on screen.
func (d *Dispatcher) Dispatch(ev Event) {
	switch ev := ev.(type) {
	case BroadcastReceived:
		msg := ev.Message
		msg.Recipient = ""
		d.store.AppendInbound(msg)
	case PrivateReceived:
		msg := ev.Message
		if msg.Recipient == "" {
			msg.Recipient = d.self
		}
		d.store.AppendInbound(msg)
	case Connected:
		d.store.AppendInbound(systemNotice(connectedNotice))
	case TransportFailed:
		reason := ev.Reason
		if reason == "" {
			reason = transportNotice
		}
		d.store.AppendInbound(systemNotice(reason))
	}
}

func systemNotice(content string) model.Message {
	return model.Message{Sender: SystemSender, Content: content, Type: model.TypeEvent}
}
