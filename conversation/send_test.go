package conversation_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/puyokura/stompchat/conversation"
	"github.com/puyokura/stompchat/mocks"
	"github.com/puyokura/stompchat/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func decode(t *testing.T, body []byte) model.Message {
	t.Helper()
	var m model.Message
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func TestSend_Broadcast(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	store := conversation.NewStore("bob")

	pub.EXPECT().
		Publish(model.DestSendMessage, gomock.Any()).
		DoAndReturn(func(_ string, body []byte) error {
			req.Equal(model.Message{Sender: "alice", Content: "hello", Type: model.TypeChat}, decode(t, body))
			return nil
		}).
		Times(1)

	req.NoError(conversation.Send(store, pub, "alice", "  hello "))

	// The public topic echoes broadcast messages back; nothing is stored yet.
	req.Empty(store.Sequence(conversation.Broadcast))
	req.Empty(store.Sequence("bob"))
}

func TestSend_PrivateEchoesExactlyOnce(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	store := conversation.NewStore("bob")
	store.SetActive("bob")

	want := model.Message{Sender: "alice", Content: "psst", Type: model.TypeChat, Recipient: "bob"}
	pub.EXPECT().
		Publish(model.DestPrivateMessage, gomock.Any()).
		DoAndReturn(func(_ string, body []byte) error {
			req.Equal(want, decode(t, body))
			return nil
		}).
		Times(1)

	req.NoError(conversation.Send(store, pub, "alice", "psst"))

	req.Equal([]model.Message{want}, store.Sequence("bob"))
	req.Empty(store.Sequence(conversation.Broadcast))
}

func TestSend_PublishFailureStoresNothing(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	store := conversation.NewStore("bob")
	store.SetActive("bob")

	boom := errors.New("not connected")
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(boom).Times(1)

	err := conversation.Send(store, pub, "alice", "lost")
	req.ErrorIs(err, boom)
	req.Empty(store.Sequence("bob"))
}

func TestSend_BlankIsIgnored(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	req.NoError(conversation.Send(conversation.NewStore(), pub, "alice", "   "))
}

func TestJoin(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)

	pub.EXPECT().
		Publish(model.DestAddUser, gomock.Any()).
		DoAndReturn(func(_ string, body []byte) error {
			req.Equal(model.Message{Sender: "alice", Type: model.TypeJoin}, decode(t, body))
			return nil
		})

	req.NoError(conversation.Join(pub, "alice"))
}
