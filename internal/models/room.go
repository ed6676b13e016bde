package models

// RoomData is the persisted room metadata record.
type RoomData struct {
	RoomID       string `json:"roomId"`
	MaxCapacity  int    `json:"maxCapacity"`
	LastActivity int64  `json:"lastActivity"`
}
