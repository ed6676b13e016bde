package types

import (
	"roomchat/internal/models"
)

type EventType string

const (
	EventMessage  EventType = EventType(models.TypeMessage)
	EventJoin     EventType = EventType(models.TypeJoin)
	EventLeave    EventType = EventType(models.TypeLeave)
	EventTyping   EventType = EventType(models.TypeTyping)
	EventUserList EventType = EventType(models.TypeUserList)
	EventHistory  EventType = "history"
	EventPong     EventType = "pong"
	EventError    EventType = "error"
)

// HistoryEvent replays recent messages to a newly connected session.
type HistoryEvent struct {
	Type     EventType        `json:"type"`
	Messages []models.Message `json:"messages"`
}

type UserListEvent struct {
	Type  EventType         `json:"type"`
	Users []models.UserView `json:"users"`
}

type TypingEvent struct {
	Type        EventType `json:"type"`
	TypingUsers []string  `json:"typingUsers"`
}

type PongEvent struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Envelope decodes any outbound event. Clients and tests use it to read the
// stream back.
type Envelope struct {
	Type        EventType         `json:"type"`
	ID          string            `json:"id,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Username    string            `json:"username,omitempty"`
	Content     string            `json:"content,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Messages    []models.Message  `json:"messages,omitempty"`
	Users       []models.UserView `json:"users,omitempty"`
	TypingUsers []string          `json:"typingUsers,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
}
