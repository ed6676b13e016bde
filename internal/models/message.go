package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type MessageType string

const (
	TypeMessage  MessageType = "message"
	TypeJoin     MessageType = "join"
	TypeLeave    MessageType = "leave"
	TypeTyping   MessageType = "typing"
	TypeUserList MessageType = "userList"
)

// Message is immutable once created. Timestamp is Unix milliseconds.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"roomId"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`
}

func NewMessage(roomID, userID, username, content string, kind MessageType, at time.Time) Message {
	return Message{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Content:   content,
		Timestamp: at.UnixMilli(),
		Type:      kind,
	}
}
