// Package transport speaks STOMP 1.2 over a websocket, one frame per text
// message, and keeps the connection up with a fixed reconnect delay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	// DefaultHeartBeat exceeds the broker's websocket ping period.
	DefaultHeartBeat = 70 * time.Second
	writeWait        = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnauthorized = errors.New("transport: connection rejected by broker")
)

// BrokerError is an ERROR frame sent by the broker.
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("broker error: %s: %s", e.Message, e.Body)
	}
	return "broker error: " + e.Message
}

// Handler receives the body of a MESSAGE frame.
type Handler func(body []byte)

type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	// HeartBeat is how long the connection may stay silent before it is
	// considered dead. Frames, pings and pongs all count as traffic.
	HeartBeat time.Duration
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
}

type subscription struct {
	id          string
	destination string
	handler     Handler
}

// Session is a reconnecting STOMP client session bound to one bearer token.
type Session struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      []subscription
	onConnect func()
	onError   func(error)
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

func NewSession(opts Options) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartBeat <= 0 {
		opts.HeartBeat = DefaultHeartBeat
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{opts: opts, log: log.With("component", "transport")}
}

// OnConnect registers fn, called after every successful (re)connect once
// subscriptions are in place.
func (s *Session) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// OnError registers fn, called for every connection failure.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Subscribe registers handler for destination. Subscriptions survive
// reconnects. Handlers run on the session's read goroutine.
func (s *Session) Subscribe(destination string, handler Handler) error {
	sub := subscription{id: uuid.NewString(), destination: destination, handler: handler}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.write(conn, subscribeFrame(sub))
}

// Publish sends body to destination.
func (s *Session) Publish(destination string, body []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return s.write(conn, f)
}

// Connected reports whether a broker connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Activate starts the connect loop. Calling it twice is a no-op.
func (s *Session) Activate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Deactivate disconnects and stops reconnecting. It is idempotent and waits
// for the read loop to exit.
func (s *Session) Deactivate() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		if err := s.write(conn, frame.New(frame.DISCONNECT)); err != nil {
			s.log.Debug("disconnect frame not sent", "error", err)
		}
	}
	cancel()
	<-done
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("connection lost", "error", err)
		s.report(err)
		if errors.Is(err, ErrUnauthorized) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
			s.log.Info("reconnecting", "url", s.opts.URL)
		}
	}
}

func (s *Session) serve(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer s.detach(conn)
	s.watchLiveness(conn)

	if err := s.handshake(conn); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	subs := append([]subscription(nil), s.subs...)
	onConnect := s.onConnect
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.write(conn, subscribeFrame(sub)); err != nil {
			return err
		}
	}
	s.log.Info("connected", "url", s.opts.URL, "subscriptions", len(subs))
	if onConnect != nil {
		onConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.extendDeadline(conn)
		f, err := Decode(data)
		if err != nil {
			s.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			s.deliver(f)
		case frame.ERROR:
			return brokerError(f)
		}
	}
}

func (s *Session) handshake(conn *websocket.Conn) error {
	host := s.opts.URL
	if u, err := url.Parse(s.opts.URL); err == nil {
		host = u.Hostname()
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
		"Authorization", "Bearer "+s.opts.Token,
	)
	if err := s.write(conn, connect); err != nil {
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read CONNECTED: %w", err)
	}
	f, err := Decode(data)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("unexpected heart-beat before CONNECTED")
	}

	switch f.Command {
	case frame.CONNECTED:
		return nil
	case frame.ERROR:
		return fmt.Errorf("%w: %w", ErrUnauthorized, brokerError(f))
	default:
		return fmt.Errorf("unexpected %s frame before CONNECTED", f.Command)
	}
}

// watchLiveness arms the read deadline and lets websocket pings and pongs
// extend it. A dead peer then fails the blocked read instead of hanging it.
func (s *Session) watchLiveness(conn *websocket.Conn) {
	s.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (s *Session) extendDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.opts.HeartBeat))
}

func (s *Session) deliver(f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)

	s.mu.Lock()
	var handler Handler
	for _, sub := range s.subs {
		if sub.id == id {
			handler = sub.handler
			break
		}
	}
	s.mu.Unlock()

	if handler == nil {
		s.log.Debug("message for unknown subscription", "subscription", id)
		return
	}
	handler(f.Body)
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Session) report(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) write(conn *websocket.Conn, f *frame.Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Command, err)
	}
	return nil
}

func subscribeFrame(sub subscription) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, sub.destination,
		frame.Ack, "auto",
	)
}

func brokerError(f *frame.Frame) *BrokerError {
	return &BrokerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
}
