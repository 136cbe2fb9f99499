package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

type DBMessage struct {
	ID         string  `msgpack:"id"`
	Sender     *DBUser `msgpack:"sender"`
	ReceiverID string  `msgpack:"receiverId"`
	RoomID     string  `msgpack:"roomId"`
	Text       string  `msgpack:"text"`
	CreatedAt  int64   `msgpack:"createdAt"` // Unix milliseconds
}

// Key orders messages by creation time, the id breaks ties.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

var _ Storeable = (*DBMessage)(nil)
