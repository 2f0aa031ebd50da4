package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/puyokura/stompchat/model"
	"github.com/puyokura/stompchat/transport"
	"github.com/stretchr/testify/require"
)

type peer struct {
	session *transport.Session
	public  chan model.Message
	private chan model.Message
	errs    chan error
}

// connectPeer registers username and opens a broker session subscribed to
// the public topic and its private queue. It returns once the welcome notice
// arrived, which proves both subscriptions are in place.
func connectPeer(t *testing.T, srv *testServer, username string) *peer {
	t.Helper()
	token := srv.addUser(t, username)

	p := &peer{
		public:  make(chan model.Message, 16),
		private: make(chan model.Message, 16),
		errs:    make(chan error, 4),
	}
	p.session = transport.NewSession(transport.Options{URL: srv.wsURL, Token: token, ReconnectDelay: time.Hour})
	require.NoError(t, p.session.Subscribe(model.PrivateQueue(username), collect(t, p.private)))
	require.NoError(t, p.session.Subscribe(model.TopicPublic, collect(t, p.public)))
	p.session.OnError(func(err error) {
		select {
		case p.errs <- err:
		default:
		}
	})
	p.session.Activate(t.Context())
	t.Cleanup(p.session.Deactivate)

	welcome := receive(t, p.public)
	require.Equal(t, model.TypeEvent, welcome.Type)
	require.Equal(t, "Welcome to the chat!", welcome.Content)
	return p
}

func collect(t *testing.T, ch chan model.Message) transport.Handler {
	return func(body []byte) {
		var msg model.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("bad body %q: %v", body, err)
			return
		}
		ch <- msg
	}
}

func receive(t *testing.T, ch chan model.Message) model.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return model.Message{}
	}
}

func requireSilent(t *testing.T, ch chan model.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func publish(t *testing.T, p *peer, dest string, msg model.Message) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, p.session.Publish(dest, body))
}

func TestHub_BroadcastOverwritesSender(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := connectPeer(t, srv, "alice")
	bob := connectPeer(t, srv, "bob")

	publish(t, alice, model.DestSendMessage, model.Message{Sender: "mallory", Content: "hello all", Type: model.TypeChat})

	for _, p := range []*peer{alice, bob} {
		got := receive(t, p.public)
		req.Equal("alice", got.Sender)
		req.Equal("hello all", got.Content)
		req.Empty(got.Recipient)
	}
	requireSilent(t, bob.private)
}

func TestHub_PrivateGoesToRecipientOnly(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := connectPeer(t, srv, "alice")
	bob := connectPeer(t, srv, "bob")
	carol := connectPeer(t, srv, "carol")

	publish(t, alice, model.DestPrivateMessage, model.Message{Content: "psst", Type: model.TypeChat, Recipient: "bob"})

	got := receive(t, bob.private)
	req.Equal(model.Message{Sender: "alice", Content: "psst", Type: model.TypeChat, Recipient: "bob"}, got)

	requireSilent(t, alice.private)
	requireSilent(t, carol.private)
	requireSilent(t, bob.public)
}

func TestHub_JoinAndLeave(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	bob := connectPeer(t, srv, "bob")
	carol := connectPeer(t, srv, "carol")

	publish(t, carol, model.DestAddUser, model.Message{Type: model.TypeJoin})
	got := receive(t, bob.public)
	req.Equal(model.TypeJoin, got.Type)
	req.Equal("carol", got.Sender)

	carol.session.Deactivate()
	got = receive(t, bob.public)
	req.Equal(model.TypeLeave, got.Type)
	req.Equal("carol", got.Sender)
}

func TestHub_RejectsBadToken(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	errs := make(chan error, 4)
	s := transport.NewSession(transport.Options{URL: srv.wsURL, Token: "not-a-token", ReconnectDelay: time.Hour})
	s.OnError(func(err error) { errs <- err })
	s.Activate(t.Context())
	t.Cleanup(s.Deactivate)

	select {
	case err := <-errs:
		req.ErrorIs(err, transport.ErrUnauthorized)
		var brokerErr *transport.BrokerError
		req.True(errors.As(err, &brokerErr))
		req.Equal("Invalid token", brokerErr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestHub_ForbidsForeignPrivateQueue(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	token := srv.addUser(t, "mallory")

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	req.NoError(err)
	defer conn.Close()

	send := func(f *frame.Frame) {
		data, err := transport.Encode(f)
		req.NoError(err)
		req.NoError(conn.WriteMessage(websocket.TextMessage, data))
	}
	read := func() *frame.Frame {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		req.NoError(err)
		f, err := transport.Decode(data)
		req.NoError(err)
		return f
	}

	send(frame.New(frame.CONNECT, frame.AcceptVersion, "1.2", "Authorization", "Bearer "+token))
	connected := read()
	req.Equal(frame.CONNECTED, connected.Command)
	req.Equal("mallory", connected.Header.Get("user-name"))

	send(frame.New(frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, model.PrivateQueue("bob")))
	rejected := read()
	req.Equal(frame.ERROR, rejected.Command)
	req.Equal("Forbidden", rejected.Header.Get(frame.Message))
}

func TestHub_KickUser(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := connectPeer(t, srv, "alice")

	req.Equal([]string{"alice"}, srv.hub.Online())
	req.True(srv.hub.KickUser("alice"))
	req.False(srv.hub.KickUser("nobody"))

	select {
	case err := <-alice.errs:
		var brokerErr *transport.BrokerError
		req.True(errors.As(err, &brokerErr))
		req.Equal("Kicked by operator", brokerErr.Message)
		req.NotErrorIs(err, transport.ErrUnauthorized)
	case <-time.After(2 * time.Second):
		t.Fatal("kicked session saw no error")
	}
	req.Empty(srv.hub.Online())
}

func TestHub_KickedUserCannotReconnect(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	connectPeer(t, srv, "alice")
	req.True(srv.hub.KickUser("alice"))

	token, err := srv.tokens.Issue("alice")
	req.NoError(err)
	errs := make(chan error, 4)
	s := transport.NewSession(transport.Options{URL: srv.wsURL, Token: token, ReconnectDelay: time.Hour})
	s.OnError(func(err error) { errs <- err })
	s.Activate(t.Context())
	t.Cleanup(s.Deactivate)

	select {
	case err := <-errs:
		req.ErrorIs(err, transport.ErrUnauthorized)
		var brokerErr *transport.BrokerError
		req.True(errors.As(err, &brokerErr))
		req.Equal("Kicked by operator", brokerErr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect was not refused")
	}
	req.Empty(srv.hub.Online())

	// Once the cooldown has passed the user may connect again.
	srv.hub.mu.Lock()
	srv.hub.kicked["alice"] = time.Now().Add(-time.Second)
	srv.hub.mu.Unlock()
	p := &peer{public: make(chan model.Message, 16)}
	p.session = transport.NewSession(transport.Options{URL: srv.wsURL, Token: token, ReconnectDelay: time.Hour})
	req.NoError(p.session.Subscribe(model.TopicPublic, collect(t, p.public)))
	p.session.Activate(t.Context())
	t.Cleanup(p.session.Deactivate)
	req.Equal("Welcome to the chat!", receive(t, p.public).Content)
}

func TestHub_SlowClientDropAnnouncesLeave(t *testing.T) {
	req := require.New(t)
	hub := NewHub(nil, NewConfig(""), slog.New(slog.DiscardHandler))

	client := func(name string, buffer int, joined bool) *Client {
		c := &Client{
			hub:      hub,
			send:     make(chan []byte, buffer),
			username: name,
			subs:     map[string]string{model.TopicPublic: "sub-" + name},
			joined:   joined,
		}
		hub.clients[c] = true
		return c
	}
	observer := client("bob", 8, false)
	slow := client("carol", 0, true)
	lurker := client("dave", 0, false)

	hub.mu.Lock()
	hub.fanOut(delivery{
		destination: model.TopicPublic,
		msg:         model.Message{Sender: "alice", Content: "hi", Type: model.TypeChat},
	})
	hub.mu.Unlock()

	var got []model.Message
	for len(observer.send) > 0 {
		f, err := transport.Decode(<-observer.send)
		req.NoError(err)
		req.Equal("sub-bob", f.Header.Get(frame.Subscription))
		var msg model.Message
		req.NoError(json.Unmarshal(f.Body, &msg))
		got = append(got, msg)
	}
	// The lurker never joined, so only the slow joined client is announced.
	req.Equal([]model.Message{
		{Sender: "alice", Content: "hi", Type: model.TypeChat},
		{Sender: "carol", Type: model.TypeLeave},
	}, got)

	for _, c := range []*Client{slow, lurker} {
		_, open := <-c.send
		req.False(open)
		req.NotContains(hub.clients, c)
	}
	req.Contains(hub.clients, observer)
}

func TestConsole(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	bob := connectPeer(t, srv, "bob")
	srv.addUser(t, "alice")

	var out bytes.Buffer
	console := NewConsole(srv.hub, srv.store, srv.config, &out)
	ctx := t.Context()

	req.False(console.Execute(ctx, "help"))
	req.Contains(out.String(), "broadcast <msg>")

	out.Reset()
	req.False(console.Execute(ctx, "online"))
	req.Contains(out.String(), "Online (1): bob")

	out.Reset()
	req.False(console.Execute(ctx, "users"))
	req.Contains(out.String(), "alice")
	req.Contains(out.String(), "bob")
	req.Contains(out.String(), "2 registered, 1 online")

	out.Reset()
	req.False(console.Execute(ctx, "broadcast server going down"))
	got := receive(t, bob.public)
	req.Equal(model.TypeEvent, got.Type)
	req.Equal("[Admin] server going down", got.Content)

	out.Reset()
	req.False(console.Execute(ctx, "kick nobody"))
	req.Contains(out.String(), "User not found.")

	out.Reset()
	req.False(console.Execute(ctx, "frobnicate"))
	req.Contains(out.String(), "Unknown command.")

	req.False(console.Execute(ctx, "   "))
	req.True(console.Execute(ctx, "stop"))
}
