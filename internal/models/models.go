package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// UserRef is a user as embedded in chat payloads.
type UserRef struct {
	ID          string `json:"_id"`
	UserName    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// UnmarshalJSON accepts both a populated user object and a bare id string.
func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*u = UserRef{}
		return json.Unmarshal(data, &u.ID)
	}
	type alias UserRef
	return json.Unmarshal(data, (*alias)(u))
}

// Name returns the best human readable name of the user.
func (u UserRef) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.UserName != "":
		return u.UserName
	default:
		return "Anonymous"
	}
}

// RoomRef is a chat room. Subrooms carry the id of their parent.
type RoomRef struct {
	ID       string `json:"_id"`
	Name     string `json:"name,omitempty"`
	ParentID string `json:"parent,omitempty"`
}

type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationRoom    ConversationKind = "room"
)

// Conversation addresses a chat: a peer user for private chat or a room.
type Conversation struct {
	Kind ConversationKind `json:"kind"`
	Peer UserRef          `json:"peer,omitempty"`
	Room RoomRef          `json:"room,omitempty"`
}

func PrivateWith(peer UserRef) Conversation {
	return Conversation{Kind: ConversationPrivate, Peer: peer}
}

func InRoom(room RoomRef) Conversation {
	return Conversation{Kind: ConversationRoom, Room: room}
}

// IsZero reports whether no conversation is set.
func (c Conversation) IsZero() bool {
	return c.Kind == ""
}

// Key returns the identity of the conversation as seen by selfID.
// Private conversations are keyed by the unordered user pair.
func (c Conversation) Key(selfID string) string {
	switch c.Kind {
	case ConversationRoom:
		return "room:" + c.Room.ID
	case ConversationPrivate:
		ids := []string{selfID, c.Peer.ID}
		sort.Strings(ids)
		return "dm:" + ids[0] + ":" + ids[1]
	default:
		return ""
	}
}

// Name returns the label shown for the conversation.
func (c Conversation) Name() string {
	if c.Kind == ConversationRoom {
		if c.Room.Name != "" {
			return c.Room.Name
		}
		return c.Room.ID
	}
	return c.Peer.Name()
}

// Message is a chat message as exchanged with the backend.
type Message struct {
	ID        string    `json:"_id,omitempty"`
	Sender    *UserRef  `json:"sender,omitempty"`
	Receiver  *UserRef  `json:"receiver,omitempty"`
	RoomID    string    `json:"room,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts "room" as an id string or a room object, and "roomId"
// as emitted by clients publishing over the real-time channel.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Room   json.RawMessage `json:"room,omitempty"`
		RoomID string          `json:"roomId,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.RoomID = aux.RoomID
	if len(aux.Room) > 0 && !bytes.Equal(aux.Room, []byte("null")) {
		var room RoomRef
		if aux.Room[0] == '"' {
			if err := json.Unmarshal(aux.Room, &room.ID); err != nil {
				return err
			}
		} else if err := json.Unmarshal(aux.Room, &room); err != nil {
			return err
		}
		m.RoomID = room.ID
	}
	return nil
}

func (m Message) SenderID() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.ID
}

func (m Message) ReceiverID() string {
	if m.Receiver == nil {
		return ""
	}
	return m.Receiver.ID
}

// BelongsTo reports whether the message is addressed to conv as seen by selfID.
func (m Message) BelongsTo(conv Conversation, selfID string) bool {
	switch conv.Kind {
	case ConversationRoom:
		return m.RoomID != "" && m.RoomID == conv.Room.ID
	case ConversationPrivate:
		if m.RoomID != "" {
			return false
		}
		s, r := m.SenderID(), m.ReceiverID()
		return (s == selfID && r == conv.Peer.ID) || (s == conv.Peer.ID && r == selfID)
	default:
		return false
	}
}

const UnknownMessageText = "Unknown message"

// Incoming is a message pushed by the real-time channel, resolved into either
// a UserMessage or a SystemMessage.
type Incoming interface {
	incoming()
}

// UserMessage is a pushed message with a known sender.
type UserMessage struct {
	Message
}

// SystemMessage is a pushed payload without a sender. It is displayed as a
// placeholder line and never attributed to a user.
type SystemMessage struct {
	ID         string
	RoomID     string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
}

func (UserMessage) incoming()   {}
func (SystemMessage) incoming() {}

// DisplayText returns the text shown for the placeholder.
func (s SystemMessage) DisplayText() string {
	if s.Text == "" {
		return UnknownMessageText
	}
	return s.Text
}

// Resolve classifies a raw pushed payload. A nil payload resolves to an empty
// system message.
func Resolve(raw *Message) Incoming {
	if raw == nil {
		return SystemMessage{}
	}
	if raw.Sender == nil || raw.Sender.ID == "" {
		return SystemMessage{
			ID:         raw.ID,
			RoomID:     raw.RoomID,
			ReceiverID: raw.ReceiverID(),
			Text:       raw.Text,
			CreatedAt:  raw.CreatedAt,
		}
	}
	return UserMessage{Message: *raw}
}

// ClientEvent is sent by the client over the real-time channel.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
	Message        *Message        `json:"message,omitempty"`
}

// ServerEvent is delivered to the client by the real-time channel.
type ServerEvent struct {
	Type           ServerEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Message        *Message        `json:"message,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoin  ClientEventType = "join"
	ClientEventLeave ClientEventType = "leave"
	ClientEventSend  ClientEventType = "send"
)

type ServerEventType string

const (
	ServerEventReceive ServerEventType = "receive"
	// ServerEventReconnected is produced locally by a transport after it has
	// re-established its connection and re-announced its memberships.
	ServerEventReconnected ServerEventType = "reconnected"
)
