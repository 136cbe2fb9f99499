package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConversationKey(t *testing.T) {
	a := PrivateWith(UserRef{ID: "u2"}).Key("u1")
	b := PrivateWith(UserRef{ID: "u1"}).Key("u2")
	require.Equal(t, a, b, "private key must not depend on who is looking")
	require.Equal(t, "dm:u1:u2", a)

	require.Equal(t, "room:r1", InRoom(RoomRef{ID: "r1"}).Key("u1"))
	require.Equal(t, "", Conversation{}.Key("u1"))
}

func TestMessage_DecodePopulatedAndBareRefs(t *testing.T) {
	populated := `{"_id":"m1","sender":{"_id":"u1","username":"alice","avatar":"a.png"},
		"room":{"_id":"r1","name":"general"},"text":"hi","createdAt":"2024-03-01T10:00:00Z"}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(populated), &m))
	require.Equal(t, "m1", m.ID)
	require.Equal(t, "alice", m.Sender.UserName)
	require.Equal(t, "r1", m.RoomID)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), m.CreatedAt)

	bare := `{"sender":"u1","roomId":"r2","text":"yo"}`
	var b Message
	require.NoError(t, json.Unmarshal([]byte(bare), &b))
	require.Equal(t, "u1", b.SenderID())
	require.Equal(t, "r2", b.RoomID)

	private := `{"_id":"m2","sender":"u1","receiver":{"_id":"u2"},"text":"dm"}`
	var p Message
	require.NoError(t, json.Unmarshal([]byte(private), &p))
	require.Equal(t, "u2", p.ReceiverID())
	require.Empty(t, p.RoomID)
}

func TestMessage_BelongsTo(t *testing.T) {
	me, peer := "u1", UserRef{ID: "u2"}
	dm := PrivateWith(peer)

	toPeer := Message{Sender: &UserRef{ID: me}, Receiver: &UserRef{ID: "u2"}}
	fromPeer := Message{Sender: &UserRef{ID: "u2"}, Receiver: &UserRef{ID: me}}
	fromOther := Message{Sender: &UserRef{ID: "u3"}, Receiver: &UserRef{ID: me}}
	inRoom := Message{Sender: &UserRef{ID: "u2"}, RoomID: "r1"}

	require.True(t, toPeer.BelongsTo(dm, me))
	require.True(t, fromPeer.BelongsTo(dm, me))
	require.False(t, fromOther.BelongsTo(dm, me))
	require.False(t, inRoom.BelongsTo(dm, me))

	require.True(t, inRoom.BelongsTo(InRoom(RoomRef{ID: "r1"}), me))
	require.False(t, inRoom.BelongsTo(InRoom(RoomRef{ID: "r2"}), me))
	require.False(t, inRoom.BelongsTo(Conversation{}, me))
}

func TestResolve(t *testing.T) {
	sys, ok := Resolve(&Message{RoomID: "r1", Text: ""}).(SystemMessage)
	require.True(t, ok)
	require.Equal(t, UnknownMessageText, sys.DisplayText())
	require.Equal(t, "r1", sys.RoomID)

	_, ok = Resolve(&Message{Sender: &UserRef{}, Text: "x"}).(SystemMessage)
	require.True(t, ok, "sender without id is not attributable")

	_, ok = Resolve(nil).(SystemMessage)
	require.True(t, ok)

	um, ok := Resolve(&Message{ID: "m1", Sender: &UserRef{ID: "u1"}}).(UserMessage)
	require.True(t, ok)
	require.Equal(t, "m1", um.ID)
}
