package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	roomPrefix  = "room:"
	alarmPrefix = "alarm:"
)

// RoomKey is the global key for one of roomID's records.
func RoomKey(roomID, key string) string {
	return roomPrefix + roomID + ":" + key
}

// AlarmKey lives outside the room namespace so a single List finds every
// armed alarm after a restart.
func AlarmKey(roomID string) string {
	return alarmPrefix + roomID
}

type alarmRecord struct {
	RoomID string `json:"roomId"`
	At     int64  `json:"at"`
}

// Alarm is an armed wake-up for a room.
type Alarm struct {
	RoomID string
	At     time.Time
}

// Scoped is one room's view of a Store.
type Scoped struct {
	store  Store
	roomID string
}

func Scope(store Store, roomID string) *Scoped {
	return &Scoped{store: store, roomID: roomID}
}

// GetJSON decodes key into v and reports whether it existed.
func (s *Scoped) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.store.Get(ctx, RoomKey(s.roomID, key))
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", s.roomID, key, err)
	}
	return true, nil
}

func (s *Scoped) Put(ctx context.Context, key string, value []byte) error {
	return s.store.Put(ctx, RoomKey(s.roomID, key), value)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, RoomKey(s.roomID, key))
}

func (s *Scoped) SetAlarm(ctx context.Context, at time.Time) error {
	data, err := json.Marshal(alarmRecord{RoomID: s.roomID, At: at.UnixMilli()})
	if err != nil {
		return err
	}
	return s.store.Put(ctx, AlarmKey(s.roomID), data)
}

func (s *Scoped) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	data, ok, err := s.store.Get(ctx, AlarmKey(s.roomID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var rec alarmRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("decode alarm %s: %w", s.roomID, err)
	}
	return time.UnixMilli(rec.At), true, nil
}

func (s *Scoped) DeleteAlarm(ctx context.Context) error {
	return s.store.Delete(ctx, AlarmKey(s.roomID))
}

// DueAlarms lists every alarm at or before now. Undecodable records are
// skipped.
func DueAlarms(ctx context.Context, store Store, now time.Time) ([]Alarm, error) {
	records, err := store.List(ctx, alarmPrefix)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}

	var due []Alarm
	for _, data := range records {
		var rec alarmRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.RoomID == "" {
			continue
		}
		at := time.UnixMilli(rec.At)
		if !at.After(now) {
			due = append(due, Alarm{RoomID: rec.RoomID, At: at})
		}
	}
	return due, nil
}
