package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/puyokura/stompchat/conversation"
	"github.com/puyokura/stompchat/model"
	"github.com/puyokura/stompchat/session"
	"github.com/puyokura/stompchat/transport"
)

var ErrNetworkClosed = errors.New("network closed")

// Network owns the broker session of the logged-in user and forwards its
// callbacks into the UI loop as messages. Login runs in a tea.Cmd, so every
// field below mu is shared with the UI goroutine.
type Network struct {
	url            string
	reconnectDelay time.Duration
	heartBeat      time.Duration
	log            *slog.Logger

	mu      sync.Mutex
	session *transport.Session
	events  chan conversation.Event
	stop    chan struct{}
	gen     int
	closed  bool
}

// eventMsg wraps an inbound event. gen ties it to the session it came from.
type eventMsg struct {
	gen   int
	event conversation.Event
}

func NewNetwork(url string, reconnectDelay, heartBeat time.Duration, log *slog.Logger) *Network {
	return &Network{
		url:            url,
		reconnectDelay: reconnectDelay,
		heartBeat:      heartBeat,
		log:            log.With("component", "network"),
	}
}

// Connect opens the broker session for creds. It implements session.Connector.
func (n *Network) Connect(creds session.Credentials) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNetworkClosed
	}
	n.disconnect()

	n.gen++
	events := make(chan conversation.Event, 256)
	stop := make(chan struct{})
	emit := func(ev conversation.Event) {
		select {
		case events <- ev:
		case <-stop:
		}
	}

	s := transport.NewSession(transport.Options{
		URL:            n.url,
		Token:          creds.Token,
		ReconnectDelay: n.reconnectDelay,
		HeartBeat:      n.heartBeat,
		Logger:         n.log,
	})
	if err := s.Subscribe(model.TopicPublic, n.decode(emit, func(m model.Message) conversation.Event {
		return conversation.BroadcastReceived{Message: m}
	})); err != nil {
		return err
	}
	if err := s.Subscribe(model.PrivateQueue(creds.Username), n.decode(emit, func(m model.Message) conversation.Event {
		return conversation.PrivateReceived{Message: m}
	})); err != nil {
		return err
	}
	s.OnConnect(func() {
		emit(conversation.Connected{})
		if err := conversation.Join(s, creds.Username); err != nil {
			n.log.Error("join announcement failed", "error", err)
		}
	})
	s.OnError(func(err error) {
		ev := conversation.TransportFailed{Err: err}
		var brokerErr *transport.BrokerError
		if errors.As(err, &brokerErr) {
			ev.Reason = brokerErr.Message
		}
		emit(ev)
	})

	s.Activate(context.Background())
	n.session, n.events, n.stop = s, events, stop
	return nil
}

// Disconnect tears the broker session down. It implements session.Connector.
func (n *Network) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnect()
}

// Close disconnects and refuses later connects, so a login still in flight
// when the program exits cannot start a new session.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.disconnect()
}

// Gen identifies the current session. Events from older sessions are stale.
func (n *Network) Gen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}

func (n *Network) disconnect() {
	if n.session == nil {
		return
	}
	close(n.stop)
	n.session.Deactivate()
	close(n.events)
	n.session, n.events, n.stop = nil, nil, nil
	n.log.Info("websocket disconnected")
}

// Publish implements conversation.Publisher.
func (n *Network) Publish(destination string, body []byte) error {
	n.mu.Lock()
	s := n.session
	n.mu.Unlock()
	if s == nil {
		return transport.ErrNotConnected
	}
	return s.Publish(destination, body)
}

// WaitForEvent is a tea.Cmd factory that waits for the next inbound event
// of the current session.
func (n *Network) WaitForEvent() tea.Cmd {
	n.mu.Lock()
	events, gen := n.events, n.gen
	n.mu.Unlock()
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg{gen: gen, event: ev}
	}
}

func (n *Network) decode(emit func(conversation.Event), wrap func(model.Message) conversation.Event) transport.Handler {
	return func(body []byte) {
		var msg model.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			n.log.Warn("dropping undecodable message", "error", err)
			return
		}
		emit(wrap(msg))
	}
}
