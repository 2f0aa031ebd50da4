//go:generate go run go.uber.org/mock/mockgen -source=send.go -destination=../mocks/mock_publisher.go -package=mocks
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/puyokura/stompchat/model"
)

// Publisher publishes a body to a broker destination.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// Send publishes content typed by self into the active conversation.
// Private messages are echoed into the store once the publish succeeded;
// broadcast messages are not, the public topic delivers them back.
// Blank content is ignored.
func Send(store *Store, pub Publisher, self, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	target := store.Active()
	msg := model.Message{Sender: self, Content: content, Type: model.TypeChat}
	dest := model.DestSendMessage
	if target != Broadcast {
		msg.Recipient = target
		dest = model.DestPrivateMessage
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := pub.Publish(dest, body); err != nil {
		return fmt.Errorf("publish to %s: %w", dest, err)
	}

	if msg.IsPrivate() {
		store.AppendOutboundEcho(target, msg)
	}
	return nil
}

// Join announces self on the public topic.
func Join(pub Publisher, self string) error {
	body, err := json.Marshal(model.Message{Sender: self, Type: model.TypeJoin})
	if err != nil {
		return fmt.Errorf("encode join: %w", err)
	}
	return pub.Publish(model.DestAddUser, body)
}
