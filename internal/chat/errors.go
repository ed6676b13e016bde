package chat

import (
	"errors"
	"net/http"

	"roomchat/internal/protection"
)

// Rejections are replied to the sender as error events and never count as
// breaker failures.
var (
	ErrRoomAtCapacity   = protection.NewError("ROOM_AT_CAPACITY", "room is at capacity", http.StatusServiceUnavailable)
	ErrMessageTooLarge  = protection.NewError("MESSAGE_TOO_LARGE", "message exceeds the 10KB limit", http.StatusRequestEntityTooLarge)
	ErrInRoomRateLimit  = protection.NewError("IN_ROOM_RATE_LIMIT_EXCEEDED", "too many messages, slow down", http.StatusServiceUnavailable)
	ErrMalformedPayload = protection.NewError("MALFORMED_PAYLOAD", "payload is not valid JSON", http.StatusBadRequest)
	ErrEmptyMessage     = protection.NewError("EMPTY_MESSAGE", "message content is empty", http.StatusBadRequest)
	ErrRoomNotIdle      = protection.NewError("ROOM_NOT_IDLE", "room still has live sessions", http.StatusConflict)
)

var (
	ErrRoomClosed         = errors.New("room closed")
	ErrSessionClosed      = errors.New("session closed")
	ErrReservationExpired = errors.New("reservation no longer valid")
	ErrHandlerPanic       = errors.New("room handler panicked")
	ErrSlowConsumer       = errors.New("send buffer full")
	ErrConnClosed         = errors.New("connection closed")
)
