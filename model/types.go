package model

// MessageType is the kind of a chat message.
type MessageType string

const (
	TypeChat  MessageType = "CHAT"
	TypeJoin  MessageType = "JOIN"
	TypeLeave MessageType = "LEAVE"
	TypeEvent MessageType = "EVENT" // Client-local system notice
)

// Message is the body carried by every broker frame.
type Message struct {
	Sender    string      `json:"sender"`
	Content   string      `json:"content,omitempty"`
	Type      MessageType `json:"type"`
	Recipient string      `json:"recipient,omitempty"` // Only set on private messages
}

// IsPrivate reports whether the message is addressed to a single user.
func (m Message) IsPrivate() bool {
	return m.Recipient != ""
}

// User is a directory entry returned by GET /api/users.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Credentials is the payload for login/register requests.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanumunicode"`
	Password string `json:"password" validate:"required,min=4,max=72"`
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the JSON error body returned by the REST API.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Broker destinations.
const (
	TopicPublic        = "/topic/public"
	DestAddUser        = "/app/chat.addUser"
	DestSendMessage    = "/app/chat.sendMessage"
	DestPrivateMessage = "/app/chat.sendPrivateMessage"
)

// PrivateQueue returns the private queue destination of a user.
func PrivateQueue(username string) string {
	return "/user/" + username + "/queue/private"
}
