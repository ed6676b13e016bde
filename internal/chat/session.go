package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Conn is the transport handle a Session writes to. Send must not block;
// a connection that cannot keep up returns an error and is dropped.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Close codes sent to clients.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseReplaced  = 4000
)

// Session binds a user to a live connection. Fields other than the
// identifiers are owned by the room goroutine.
type Session struct {
	ID          string
	UserID      string
	Username    string
	RoomID      string
	ConnectedAt int64
	LastPing    int64

	conn Conn
}

func newSession(roomID, userID, username string, conn Conn, nowMs int64) *Session {
	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		RoomID:      roomID,
		ConnectedAt: nowMs,
		LastPing:    nowMs,
		conn:        conn,
	}
}

// Reservation holds a capacity slot between admission and the transport
// upgrade. Exactly one of Join or Cancel should follow.
type Reservation struct {
	ID       string
	UserID   string
	Username string

	room  *Room
	timer clockwork.Timer
}

func (res *Reservation) Room() *Room { return res.room }

func (res *Reservation) stopTimer() {
	if res.timer != nil {
		res.timer.Stop()
		res.timer = nil
	}
}

// Join attaches conn and runs the connect sequence.
func (res *Reservation) Join(ctx context.Context, conn Conn) (*Session, error) {
	var (
		sess *Session
		err  error
	)
	if cerr := res.room.call(ctx, func() { sess, err = res.room.join(res, conn) }); cerr != nil {
		return nil, cerr
	}
	return sess, err
}

// Cancel releases the slot. It is a no-op after Join.
func (res *Reservation) Cancel() {
	_ = res.room.call(context.Background(), func() { res.room.cancelReservation(res) })
}
