package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puyokura/stompchat/model"
	"github.com/puyokura/stompchat/transport"
	"github.com/samber/lo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// kickCooldown is how long a kicked user's CONNECT frames are refused.
	kickCooldown = 5 * time.Minute

	systemSender = "System"
	kickedNotice = "Kicked by operator"
)

var (
	errExpectedConnect = errors.New("expected CONNECT frame")
	errKicked          = errors.New("user was kicked")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local tool
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames, one per websocket message.
	send chan []byte

	// Authenticated principal, fixed by the CONNECT frame.
	username string

	mu     sync.Mutex
	subs   map[string]string // destination -> subscription id
	joined bool

	// closed is set once send is closed. Guarded by hub.mu.
	closed bool
}

// delivery is a message routed to every client subscribed to destination.
type delivery struct {
	destination string
	msg         model.Message
}

// Hub is a minimal STOMP broker: it tracks connected clients and fans
// published messages out to their subscriptions.
type Hub struct {
	clients    map[*Client]bool
	kicked     map[string]time.Time // username -> end of cooldown
	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	tokens     *TokenIssuer
	config     *Config
	log        *slog.Logger
	mu         sync.Mutex
}

func NewHub(tokens *TokenIssuer, config *Config, log *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan delivery),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		kicked:     make(map[string]time.Time),
		tokens:     tokens,
		config:     config,
		log:        log.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("Client connected", "username", client.username)
		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
		case d := <-h.broadcast:
			h.mu.Lock()
			h.fanOut(d)
			h.mu.Unlock()
		}
	}
}

// remove drops client and announces its departure. h.mu must be held.
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.log.Info("Client disconnected", "username", client.username)
	if leave, ok := h.drop(client); ok {
		h.fanOut(leave)
	}
}

// fanOut queues d on every subscribed client. Clients whose buffer is full
// are dropped and their LEAVE is fanned out in turn. h.mu must be held.
func (h *Hub) fanOut(d delivery) {
	pending := []delivery{d}
	for len(pending) > 0 {
		d, pending = pending[0], pending[1:]
		body, err := json.Marshal(d.msg)
		if err != nil {
			h.log.Error("Failed to encode message", "error", err)
			continue
		}
		for client := range h.clients {
			id, ok := client.subscription(d.destination)
			if !ok {
				continue
			}
			data, err := messageFrame(d.destination, id, body)
			if err != nil {
				h.log.Error("Failed to encode frame", "error", err)
				break
			}
			select {
			case client.send <- data:
			default:
				h.log.Warn("Dropping slow client", "username", client.username)
				if leave, ok := h.drop(client); ok {
					pending = append(pending, leave)
				}
			}
		}
	}
}

// drop forgets client and closes its send channel. It returns the LEAVE
// announcement owed when the client had joined. h.mu must be held.
func (h *Hub) drop(client *Client) (delivery, bool) {
	delete(h.clients, client)
	if client.closed {
		return delivery{}, false
	}
	client.closed = true
	close(client.send)
	if !client.isJoined() {
		return delivery{}, false
	}
	return delivery{
		destination: model.TopicPublic,
		msg:         model.Message{Sender: client.username, Type: model.TypeLeave},
	}, true
}

func (h *Hub) publish(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

// KickUser ends every session of username and refuses its reconnects for
// kickCooldown.
func (h *Hub) KickUser(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	kicked := false
	for client := range h.clients {
		if client.username != username {
			continue
		}
		if data, err := errorFrame(kickedNotice, ""); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
		h.remove(client)
		kicked = true
	}
	if kicked {
		h.kicked[username] = time.Now().Add(kickCooldown)
	}
	return kicked
}

// isKicked reports whether username is still inside its kick cooldown.
func (h *Hub) isKicked(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.kicked[username]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(h.kicked, username)
		return false
	}
	return true
}

// BroadcastSystemMessage sends a system notice to the public topic.
func (h *Hub) BroadcastSystemMessage(text string) {
	h.publish(delivery{
		destination: model.TopicPublic,
		msg:         model.Message{Sender: systemSender, Content: text, Type: model.TypeEvent},
	})
}

// Online returns the sorted usernames with at least one open session.
func (h *Hub) Online() []string {
	h.mu.Lock()
	names := make([]string, 0, len(h.clients))
	for client := range h.clients {
		names = append(names, client.username)
	}
	h.mu.Unlock()

	names = lo.Uniq(names)
	slices.Sort(names)
	return names
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Read error", "username", c.username, "error", err)
			}
			return
		}
		// Any inbound traffic counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := transport.Decode(data)
		if err != nil {
			c.hub.log.Warn("Invalid frame", "username", c.username, "error", err)
			continue
		}
		if f == nil {
			continue
		}
		if !c.handleFrame(f) {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether the
// connection stays open.
func (c *Client) handleFrame(f *frame.Frame) bool {
	switch f.Command {
	case frame.SUBSCRIBE:
		dest, id := f.Header.Get(frame.Destination), f.Header.Get(frame.Id)
		if !c.mayRead(dest) {
			c.hub.log.Warn("Forbidden subscription", "username", c.username, "destination", dest)
			c.queueError("Forbidden", "cannot subscribe to "+dest)
			return false
		}
		c.mu.Lock()
		c.subs[dest] = id
		c.mu.Unlock()
		if dest == model.TopicPublic {
			c.welcome(id)
		}

	case frame.UNSUBSCRIBE:
		id := f.Header.Get(frame.Id)
		c.mu.Lock()
		for dest, subID := range c.subs {
			if subID == id {
				delete(c.subs, dest)
			}
		}
		c.mu.Unlock()

	case frame.SEND:
		c.handleSend(f.Header.Get(frame.Destination), f.Body)

	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			if data, err := transport.Encode(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)); err == nil {
				c.queue(data)
			}
		}
		return false
	}
	return true
}

func (c *Client) handleSend(dest string, body []byte) {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.hub.log.Warn("Invalid JSON", "username", c.username, "error", err)
		return
	}
	// The sender is always the authenticated principal.
	msg.Sender = c.username

	switch dest {
	case model.DestAddUser:
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
		msg.Type = model.TypeJoin
		msg.Recipient = ""
		c.hub.publish(delivery{destination: model.TopicPublic, msg: msg})
	case model.DestSendMessage:
		msg.Recipient = ""
		c.hub.publish(delivery{destination: model.TopicPublic, msg: msg})
	case model.DestPrivateMessage:
		if msg.Recipient == "" {
			c.hub.log.Warn("Private message without recipient", "username", c.username)
			return
		}
		c.hub.publish(delivery{destination: model.PrivateQueue(msg.Recipient), msg: msg})
	default:
		c.hub.log.Warn("Unknown destination", "username", c.username, "destination", dest)
	}
}

// mayRead allows the public topic and the client's own private queue.
func (c *Client) mayRead(dest string) bool {
	return dest == model.TopicPublic || dest == model.PrivateQueue(c.username)
}

func (c *Client) subscription(dest string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.subs[dest]
	return id, ok
}

func (c *Client) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) welcome(subID string) {
	text := c.hub.config.Welcome()
	if text == "" {
		return
	}
	body, err := json.Marshal(model.Message{Sender: systemSender, Content: text, Type: model.TypeEvent})
	if err != nil {
		return
	}
	if data, err := messageFrame(model.TopicPublic, subID, body); err == nil {
		c.queue(data)
	}
}

func (c *Client) queueError(message, body string) {
	if data, err := errorFrame(message, body); err == nil {
		c.queue(data)
	}
}

// queue hands data to writePump without blocking. The hub may already have
// closed send, so the write is guarded by the hub lock.
func (c *Client) queue(data []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// STOMP over websocket carries exactly one frame per message.
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs upgrades the request, runs the STOMP CONNECT handshake and hands
// the connection to the hub.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Upgrade failed", "error", err)
		return
	}

	username, err := hub.handshake(conn, r.Header.Get("Authorization"))
	if err != nil {
		hub.log.Info("Rejected connection", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		username: username,
		subs:     make(map[string]string),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

// handshake reads the CONNECT frame and answers CONNECTED or ERROR. The
// token comes from the frame's Authorization header, falling back to the
// upgrade request.
func (h *Hub) handshake(conn *websocket.Conn, upgradeAuth string) (string, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	f, err := transport.Decode(data)
	if err != nil {
		return "", err
	}
	if f == nil || (f.Command != frame.CONNECT && f.Command != frame.STOMP) {
		h.writeDirect(conn, "Expected CONNECT frame", "")
		return "", errExpectedConnect
	}

	auth := f.Header.Get("Authorization")
	if auth == "" {
		auth = upgradeAuth
	}
	username, err := h.tokens.Authenticate(auth)
	if err != nil {
		h.writeDirect(conn, "Invalid token", err.Error())
		return "", err
	}
	if h.isKicked(username) {
		h.writeDirect(conn, kickedNotice, "")
		return "", errKicked
	}

	reply, err := transport.Encode(frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.HeartBeat, "0,0",
		"user-name", username,
	))
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		return "", err
	}
	return username, nil
}

func (h *Hub) writeDirect(conn *websocket.Conn, message, body string) {
	data, err := errorFrame(message, body)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
}

func messageFrame(dest, subID string, body []byte) ([]byte, error) {
	f := frame.New(frame.MESSAGE,
		frame.Destination, dest,
		frame.Subscription, subID,
		frame.MessageId, uuid.NewString(),
		frame.ContentType, "application/json",
	)
	f.Body = body
	return transport.Encode(f)
}

func errorFrame(message, body string) ([]byte, error) {
	f := frame.New(frame.ERROR, frame.Message, message)
	if body != "" {
		f.Header.Set(frame.ContentType, "text/plain")
		f.Body = []byte(strings.TrimSpace(body))
	}
	return transport.Encode(f)
}
