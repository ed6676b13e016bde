package chat

import (
	"time"

	"roomchat/internal/models"

	"github.com/jonboulle/clockwork"
)

type typingTimer struct {
	timer clockwork.Timer
	gen   uint64
}

func (r *Room) nextGen() uint64 {
	r.timerGen++
	return r.timerGen
}

// markActive refreshes lastSeen and promotes the user back to online.
func (r *Room) markActive(userID string, now time.Time) {
	user, ok := r.users[userID]
	if !ok {
		return
	}
	user.LastSeen = now.UnixMilli()
	r.lastActivity = user.LastSeen
	if user.Status != models.StatusOnline {
		user.Status = models.StatusOnline
		r.broadcastUserList()
	}
}

// startTyping (re)arms the auto-stop timer. Only the first start broadcasts.
func (r *Room) startTyping(userID string) {
	user, ok := r.users[userID]
	if !ok {
		return
	}

	r.cancelTypingTimer(userID)
	gen := r.nextGen()
	r.typing[userID] = &typingTimer{
		gen: gen,
		timer: r.clock.AfterFunc(r.cfg.TypingTimeout, func() {
			r.post(func() { r.expireTyping(userID, gen) })
		}),
	}

	if !user.IsTyping {
		user.IsTyping = true
		r.broadcastTyping()
	}
}

func (r *Room) expireTyping(userID string, gen uint64) {
	t, ok := r.typing[userID]
	if !ok || t.gen != gen {
		return
	}
	r.stopTyping(userID)
}

func (r *Room) stopTyping(userID string) {
	if r.clearTyping(userID) {
		r.broadcastTyping()
	}
}

// clearTyping cancels the timer and reports whether the user was typing.
func (r *Room) clearTyping(userID string) bool {
	r.cancelTypingTimer(userID)
	user, ok := r.users[userID]
	if !ok || !user.IsTyping {
		return false
	}
	user.IsTyping = false
	return true
}

func (r *Room) cancelTypingTimer(userID string) {
	if t, ok := r.typing[userID]; ok {
		t.timer.Stop()
		delete(r.typing, userID)
	}
}

func (r *Room) startPresence() {
	r.stopPresence()
	if r.closed || r.hibernating {
		return
	}
	gen := r.nextGen()
	r.presenceGen = gen
	r.presenceTimer = r.clock.AfterFunc(r.cfg.PresenceInterval, func() {
		r.post(func() { r.presenceTick(gen) })
	})
}

func (r *Room) stopPresence() {
	if r.presenceTimer != nil {
		r.presenceTimer.Stop()
		r.presenceTimer = nil
	}
	r.presenceGen = 0
}

func (r *Room) presenceTick(gen uint64) {
	if gen != r.presenceGen {
		return
	}
	r.presenceTimer = nil
	r.evaluatePresence(r.clock.Now())

	if n := r.protection.Cleanup() + r.messageLimiter.Cleanup(); n > 0 {
		r.logger.Debug().Int("identifiers", n).Msg("pruned idle rate limit entries")
	}
	r.startPresence()
}

// evaluatePresence applies the online/away/offline rule to every user.
// Leaving online always clears typing.
func (r *Room) evaluatePresence(now time.Time) {
	nowMs := now.UnixMilli()
	away := r.cfg.AwayThreshold.Milliseconds()

	var presenceChanged, typingChanged bool
	for id, user := range r.users {
		next := models.StatusOffline
		if _, connected := r.sessions[id]; connected {
			next = models.StatusOnline
			if nowMs-user.LastSeen > away {
				next = models.StatusAway
			}
		}
		if next == user.Status {
			continue
		}
		if user.Status == models.StatusOnline && r.clearTyping(id) {
			typingChanged = true
		}
		user.Status = next
		presenceChanged = true
	}

	if typingChanged {
		r.broadcastTyping()
	}
	if presenceChanged {
		r.broadcastUserList()
		r.persistUsers()
	}
}
