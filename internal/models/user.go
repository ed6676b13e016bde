package models

import (
	"encoding/json"
	"fmt"
)

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusOffline UserStatus = "offline"
)

// User is one distinct user identifier within a room. Times are Unix ms.
// Typing timers are process-local and live in the room, not here.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	ConnectedAt int64      `json:"connectedAt"`
	LastSeen    int64      `json:"lastSeen"`
	Status      UserStatus `json:"status"`
	IsTyping    bool       `json:"isTyping"`
}

// UserView is the presence snapshot entry broadcast in userList events.
type UserView struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Status   UserStatus `json:"status"`
	IsTyping bool       `json:"isTyping"`
	LastSeen int64      `json:"lastSeen"`
}

func (u *User) View() UserView {
	return UserView{
		ID:       u.ID,
		Username: u.Username,
		Status:   u.Status,
		IsTyping: u.IsTyping,
		LastSeen: u.LastSeen,
	}
}

// UserEntry persists as a two element JSON array: [userId, User].
type UserEntry struct {
	UserID string
	User   User
}

func (e UserEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.UserID, e.User})
}

func (e *UserEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("user entry: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.UserID); err != nil {
		return fmt.Errorf("user entry id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.User); err != nil {
		return fmt.Errorf("user entry value: %w", err)
	}
	return nil
}
