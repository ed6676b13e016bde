package chat

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
)

const (
	recordRoomData = "roomData"
	recordMessages = "messages"
	recordUsers    = "users"
	recordAlarm    = "alarm"

	loadTimeout = 5 * time.Second
)

// load restores persisted state. Read failures are logged and the room
// starts from whatever could be read.
func (r *Room) load() {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	now := r.clock.Now()

	var data models.RoomData
	found, err := r.store.GetJSON(ctx, recordRoomData, &data)
	if err != nil {
		r.logger.Error().Err(err).Msg("load room data")
	}
	if found && err == nil {
		r.lastActivity = data.LastActivity
	} else {
		r.lastActivity = now.UnixMilli()
		r.persistRoomData()
	}

	var msgs []models.Message
	if _, err := r.store.GetJSON(ctx, recordMessages, &msgs); err != nil {
		r.logger.Error().Err(err).Msg("load messages")
		msgs = nil
	}
	if over := len(msgs) - r.cfg.HistoryLimit; over > 0 {
		msgs = msgs[over:]
	}
	r.messages = msgs

	var entries []models.UserEntry
	if _, err := r.store.GetJSON(ctx, recordUsers, &entries); err != nil {
		r.logger.Error().Err(err).Msg("load users")
		entries = nil
	}
	for _, e := range entries {
		u := e.User
		u.ID = e.UserID
		u.Status = models.StatusOffline
		u.IsTyping = false
		r.users[e.UserID] = &u
	}

	at, ok, err := r.store.GetAlarm(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("load alarm")
	}
	if !ok {
		at = now.Add(r.cfg.AlarmInterval)
		r.setAlarm(at)
	}
	r.armAlarm(at)

	r.startPresence()
	r.armHibernateTimer()

	r.logger.Info().
		Int("messages", len(r.messages)).
		Int("users", len(r.users)).
		Time("alarm_at", at).
		Msg("room loaded")
}

func (r *Room) armHibernateTimer() {
	r.stopHibernateTimer()
	if r.hibernating || r.closed || len(r.sessions) > 0 || len(r.pending) > 0 {
		return
	}
	gen := r.nextGen()
	r.hibernateGen = gen
	r.hibernateTimer = r.clock.AfterFunc(r.cfg.HibernateAfter, func() {
		r.post(func() { r.hibernateIfIdle(gen) })
	})
}

func (r *Room) stopHibernateTimer() {
	if r.hibernateTimer != nil {
		r.hibernateTimer.Stop()
		r.hibernateTimer = nil
	}
	r.hibernateGen = 0
}

func (r *Room) hibernateIfIdle(gen uint64) {
	if gen != r.hibernateGen {
		return
	}
	r.hibernateTimer = nil
	r.hibernateGen = 0
	if err := r.hibernate(); err != nil {
		r.logger.Debug().Err(err).Msg("skipping hibernation")
	}
}

func (r *Room) hibernate() error {
	if r.closed {
		return ErrRoomClosed
	}
	if r.hibernating {
		return nil
	}
	if len(r.sessions) > 0 || len(r.pending) > 0 {
		return ErrRoomNotIdle
	}

	r.stopHibernateTimer()
	r.stopPresence()
	for id := range r.typing {
		r.cancelTypingTimer(id)
	}

	r.persistAll()
	// The wake alarm stays armed while hibernating. Keep a sooner one.
	// A purged room has nothing to wake for.
	if !r.purged {
		if r.alarmAt.IsZero() {
			r.armAlarm(r.clock.Now().Add(r.cfg.AlarmInterval))
		}
		r.setAlarm(r.alarmAt)
	}

	r.hibernating = true
	metrics.RoomTransitions.WithLabelValues("hibernate").Inc()
	r.logger.Info().Time("alarm_at", r.alarmAt).Msg("room hibernating")
	return nil
}

// wake runs before the event that woke the room is processed.
func (r *Room) wake() {
	if !r.hibernating {
		return
	}
	r.hibernating = false
	r.startPresence()
	metrics.RoomTransitions.WithLabelValues("wake").Inc()
	r.logger.Info().Msg("room woke")
}

func (r *Room) armAlarm(at time.Time) {
	if r.alarmTimer != nil {
		r.alarmTimer.Stop()
	}
	r.alarmAt = at

	gen := r.nextGen()
	r.alarmGen = gen
	d := max(at.Sub(r.clock.Now()), 0)
	r.alarmTimer = r.clock.AfterFunc(d, func() {
		r.post(func() {
			if gen == r.alarmGen {
				r.runAlarmIfDue()
			}
		})
	})
}

func (r *Room) runAlarmIfDue() bool {
	if r.closed {
		return false
	}
	now := r.clock.Now()
	if r.alarmAt.After(now) {
		return false
	}
	r.runAlarm(now)
	return true
}

// runAlarm trims history, evicts long-offline users and re-arms itself.
func (r *Room) runAlarm(now time.Time) {
	trimmed := 0
	if over := len(r.messages) - r.cfg.AlarmHistoryKeep; over > 0 {
		r.messages = slices.Clone(r.messages[over:])
		trimmed = over
	}

	cutoff := now.Add(-r.cfg.UserRetention).UnixMilli()
	evicted := 0
	for id, user := range r.users {
		if _, connected := r.sessions[id]; connected {
			continue
		}
		if user.LastSeen < cutoff {
			r.cancelTypingTimer(id)
			delete(r.users, id)
			evicted++
		}
	}

	if r.empty() {
		r.purge()
		metrics.RoomTransitions.WithLabelValues("alarm").Inc()
		r.logger.Info().Int("evicted", evicted).Msg("room alarm purged empty room")
		return
	}

	r.persistMessages()
	r.persistUsers()

	next := now.Add(r.cfg.AlarmInterval)
	r.setAlarm(next)
	r.armAlarm(next)

	metrics.RoomTransitions.WithLabelValues("alarm").Inc()
	r.logger.Info().
		Int("trimmed", trimmed).
		Int("evicted", evicted).
		Time("next", next).
		Msg("room alarm ran")
}

func (r *Room) empty() bool {
	return len(r.sessions) == 0 && len(r.pending) == 0 && len(r.users) == 0 && len(r.messages) == 0
}

// purge deletes the room's records and its wake alarm. Nothing is written
// again until someone joins.
func (r *Room) purge() {
	r.purged = true
	if r.alarmTimer != nil {
		r.alarmTimer.Stop()
		r.alarmTimer = nil
	}
	r.alarmGen = 0
	r.alarmAt = time.Time{}

	for _, record := range []string{recordRoomData, recordMessages, recordUsers} {
		r.writer.enqueue(record, func(ctx context.Context) error {
			return r.store.Delete(ctx, record)
		})
	}
	r.writer.enqueue(recordAlarm, func(ctx context.Context) error {
		return r.store.DeleteAlarm(ctx)
	})
}

// revive undoes a purge once the room has state worth keeping again.
func (r *Room) revive() {
	if !r.purged {
		return
	}
	r.purged = false
	next := r.clock.Now().Add(r.cfg.AlarmInterval)
	r.setAlarm(next)
	r.armAlarm(next)
}

func (r *Room) stopTimers() {
	r.stopHibernateTimer()
	r.stopPresence()
	if r.alarmTimer != nil {
		r.alarmTimer.Stop()
		r.alarmTimer = nil
	}
	r.alarmGen = 0
	for id := range r.typing {
		r.cancelTypingTimer(id)
	}
}

func (r *Room) shutdown() {
	if r.closed {
		return
	}

	for id, sess := range r.sessions {
		r.clearTyping(id)
		if user, ok := r.users[id]; ok {
			user.Status = models.StatusOffline
		}
		_ = sess.conn.Close(CloseGoingAway, "room shutting down")
	}
	clear(r.sessions)
	for _, res := range r.pending {
		res.stopTimer()
	}
	clear(r.pending)
	r.connectionsChanged()

	r.persistAll()
	r.stopTimers()
	r.closed = true
	r.logger.Info().Msg("room closed")
}

func (r *Room) persistAll() {
	if r.purged {
		return
	}
	r.persistRoomData()
	r.persistMessages()
	r.persistUsers()
}

func (r *Room) persistMessages() {
	r.unpersisted = 0
	msgs := r.messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	r.persist(recordMessages, msgs)
}

func (r *Room) persistUsers() {
	entries := make([]models.UserEntry, 0, len(r.users))
	for id, u := range r.users {
		entries = append(entries, models.UserEntry{UserID: id, User: *u})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	r.persist(recordUsers, entries)
}

func (r *Room) persistRoomData() {
	r.persist(recordRoomData, models.RoomData{
		RoomID:       r.id,
		MaxCapacity:  r.cfg.MaxCapacity,
		LastActivity: r.lastActivity,
	})
}

// persist snapshots v now and hands the bytes to the writer.
func (r *Room) persist(record string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.writer.fail(record, err)
		return
	}
	r.writer.enqueue(record, func(ctx context.Context) error {
		return r.store.Put(ctx, record, data)
	})
}

func (r *Room) setAlarm(at time.Time) {
	r.writer.enqueue(recordAlarm, func(ctx context.Context) error {
		return r.store.SetAlarm(ctx, at)
	})
}
