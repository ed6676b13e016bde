package chat

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/protection"
	"roomchat/internal/repository"
	"roomchat/internal/types"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const mailboxSize = 256

type Options struct {
	Clock  clockwork.Clock
	Logger zerolog.Logger
	// OnConnectionsChanged receives the change in live sessions. It runs on
	// the room goroutine and must not block.
	OnConnectionsChanged func(delta int)
}

// Room is the actor for one chat room. Every mutation runs on the goroutine
// started by Run, fed through mailbox; timers post back into the same queue.
type Room struct {
	id     string
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger
	store  *repository.Scoped
	writer *writer

	protection     *protection.Manager
	messageLimiter *protection.RateLimiter
	onConnections  func(delta int)

	mailbox  chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	sessions     map[string]*Session
	pending      map[string]*Reservation
	users        map[string]*models.User
	typing       map[string]*typingTimer
	messages     []models.Message
	unpersisted  int
	lastActivity int64
	hibernating  bool
	purged       bool
	closed       bool
	reported     int

	timerGen       uint64
	presenceGen    uint64
	presenceTimer  clockwork.Timer
	hibernateGen   uint64
	hibernateTimer clockwork.Timer
	alarmGen       uint64
	alarmTimer     clockwork.Timer
	alarmAt        time.Time
}

// Stats is the read-only room snapshot.
type Stats struct {
	RoomID        string            `json:"roomId"`
	UserCount     int               `json:"userCount"`
	MaxCapacity   int               `json:"maxCapacity"`
	IsOverloaded  bool              `json:"isOverloaded"`
	LastActivity  int64             `json:"lastActivity"`
	Users         []models.UserView `json:"users"`
	MessageCount  int               `json:"messageCount"`
	IsHibernating bool              `json:"isHibernating"`
}

// NewRoom builds a room bound to store. Call Run to start it.
func NewRoom(id string, cfg Config, store repository.Store, opts Options) *Room {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger.With().Str("component", "room").Str("room", id).Logger()

	return &Room{
		id:             id,
		cfg:            cfg,
		clock:          clock,
		logger:         logger,
		store:          repository.Scope(store, id),
		writer:         newWriter(logger),
		protection:     protection.NewManager(cfg.Protection, clock, logger),
		messageLimiter: protection.NewRateLimiter(cfg.MessageRateLimit, clock),
		onConnections:  opts.OnConnectionsChanged,
		mailbox:        make(chan func(), mailboxSize),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		sessions:       make(map[string]*Session),
		pending:        make(map[string]*Reservation),
		users:          make(map[string]*models.User),
		typing:         make(map[string]*typingTimer),
	}
}

func (r *Room) ID() string { return r.id }

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Run loads persisted state and processes events until Close.
func (r *Room) Run() {
	defer close(r.done)
	go r.writer.run()

	r.safely(r.load)
	for {
		select {
		case <-r.quit:
			r.stopTimers()
			return
		case event := <-r.mailbox:
			r.safely(event)
		}
	}
}

func (r *Room) safely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("room handler panicked")
		}
	}()
	fn()
}

// call runs fn on the room goroutine and waits for it to finish.
func (r *Room) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	panicked := false
	event := func() {
		completed := false
		defer func() {
			panicked = !completed
			close(done)
		}()
		fn()
		completed = true
	}

	select {
	case r.mailbox <- event:
	case <-r.quit:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		if panicked {
			return ErrHandlerPanic
		}
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by timer callbacks.
func (r *Room) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.quit:
	}
}

// Reserve runs the capacity and admission checks and holds a slot for
// userID. Capacity is checked first and is never bypassed by admission.
func (r *Room) Reserve(ctx context.Context, userID, username string) (*Reservation, error) {
	var (
		res *Reservation
		err error
	)
	if cerr := r.call(ctx, func() { res, err = r.reserve(userID, username) }); cerr != nil {
		if ctx.Err() != nil {
			// The queued reserve may still run after the caller left. The
			// mailbox is FIFO, so this release runs after it.
			r.post(func() {
				if res != nil {
					r.cancelReservation(res)
				}
			})
		}
		return nil, cerr
	}
	return res, err
}

// Connect reserves and joins in one step.
func (r *Room) Connect(ctx context.Context, userID, username string, conn Conn) (*Session, error) {
	res, err := r.Reserve(ctx, userID, username)
	if err != nil {
		return nil, err
	}
	sess, err := res.Join(ctx, conn)
	if err != nil {
		res.Cancel()
		return nil, err
	}
	return sess, nil
}

// Receive handles one raw client payload from sess.
func (r *Room) Receive(ctx context.Context, sess *Session, raw []byte) error {
	var err error
	if cerr := r.call(ctx, func() { err = r.receive(sess, raw) }); cerr != nil {
		return cerr
	}
	return err
}

// Disconnect removes sess. A session that was already replaced or removed
// is ignored.
func (r *Room) Disconnect(ctx context.Context, sess *Session) error {
	return r.call(ctx, func() { r.disconnect(sess, CloseNormal, "") })
}

func (r *Room) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.call(ctx, func() { s = r.stats() })
	return s, err
}

// Hibernate flushes state and parks the room. It is idempotent and refused
// while sessions are live.
func (r *Room) Hibernate(ctx context.Context) error {
	var err error
	if cerr := r.call(ctx, func() { err = r.hibernate() }); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	return r.writer.Flush(ctx)
}

// Alarm runs the maintenance alarm if it is due and reports whether it ran.
func (r *Room) Alarm(ctx context.Context) (bool, error) {
	var ran bool
	err := r.call(ctx, func() { ran = r.runAlarmIfDue() })
	return ran, err
}

func (r *Room) Health() protection.Health {
	return r.protection.Health()
}

// Flush waits for every write queued so far.
func (r *Room) Flush(ctx context.Context) error {
	return r.writer.Flush(ctx)
}

// Close persists everything, closes live sessions and stops the room.
func (r *Room) Close(ctx context.Context) error {
	r.protection.InitiateGracefulShutdown()

	err := r.call(ctx, r.shutdown)
	if errors.Is(err, ErrRoomClosed) {
		err = nil
	}
	r.quitOnce.Do(func() { close(r.quit) })

	if werr := r.writer.Close(ctx); err == nil {
		err = werr
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (r *Room) reserve(userID, username string) (*Reservation, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	if !r.holdsSlot(userID) && r.occupancy() >= r.cfg.MaxCapacity {
		metrics.AdmissionRejections.WithLabelValues("room", ErrRoomAtCapacity.Code).Inc()
		r.logger.Warn().
			Str("event", "admission_rejected").
			Str("code", ErrRoomAtCapacity.Code).
			Str("identifier", userID).
			Int("capacity", r.cfg.MaxCapacity).
			Msg("room at capacity")
		return nil, ErrRoomAtCapacity
	}

	var res *Reservation
	err := r.protection.ExecuteWithProtection(userID, func() error {
		r.wake()
		if prev, ok := r.pending[userID]; ok {
			prev.stopTimer()
			r.logger.Debug().Str("user_id", userID).Str("reservation", prev.ID).Msg("superseding pending reservation")
		}
		res = &Reservation{ID: uuid.NewString(), UserID: userID, Username: username, room: r}
		r.pending[userID] = res
		r.armReservationTimer(res)
		r.stopHibernateTimer()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Room) holdsSlot(userID string) bool {
	_, live := r.sessions[userID]
	_, held := r.pending[userID]
	return live || held
}

// occupancy counts distinct users holding a live or reserved slot.
func (r *Room) occupancy() int {
	n := len(r.sessions)
	for id := range r.pending {
		if _, live := r.sessions[id]; !live {
			n++
		}
	}
	return n
}

func (r *Room) cancelReservation(res *Reservation) {
	if r.pending[res.UserID] != res {
		return
	}
	res.stopTimer()
	delete(r.pending, res.UserID)
	r.armHibernateTimer()
}

func (r *Room) armReservationTimer(res *Reservation) {
	if r.cfg.ReservationTTL <= 0 {
		return
	}
	res.timer = r.clock.AfterFunc(r.cfg.ReservationTTL, func() {
		r.post(func() { r.expireReservation(res) })
	})
}

func (r *Room) expireReservation(res *Reservation) {
	if r.pending[res.UserID] != res {
		return
	}
	r.logger.Info().
		Str("user_id", res.UserID).
		Str("reservation", res.ID).
		Msg("reservation expired before join")
	r.cancelReservation(res)
}

func (r *Room) join(res *Reservation, conn Conn) (*Session, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	if r.pending[res.UserID] != res {
		return nil, ErrReservationExpired
	}
	res.stopTimer()
	delete(r.pending, res.UserID)

	now := r.clock.Now()
	nowMs := now.UnixMilli()

	if old, ok := r.sessions[res.UserID]; ok {
		r.logger.Info().
			Str("user_id", res.UserID).
			Str("session_id", old.ID).
			Msg("replacing existing session")
		_ = old.conn.Close(CloseReplaced, "replaced by new connection")
	}
	sess := newSession(r.id, res.UserID, res.Username, conn, nowMs)
	r.sessions[res.UserID] = sess

	user, ok := r.users[res.UserID]
	if !ok {
		user = &models.User{ID: res.UserID}
		r.users[res.UserID] = user
	}
	user.Username = res.Username
	user.ConnectedAt = nowMs
	user.LastSeen = nowMs
	user.Status = models.StatusOnline
	r.lastActivity = nowMs

	r.revive()
	r.stopHibernateTimer()
	r.connectionsChanged()
	r.persistUsers()
	r.persistRoomData()

	r.broadcast(models.NewMessage(r.id, res.UserID, res.Username, res.Username+" joined the room", models.TypeJoin, now))
	r.send(sess, types.HistoryEvent{Type: types.EventHistory, Messages: r.recent(r.cfg.HistoryReplay)})
	r.broadcastUserList()

	r.logger.Info().
		Str("user_id", sess.UserID).
		Str("session_id", sess.ID).
		Int("sessions", len(r.sessions)).
		Msg("user joined")
	return sess, nil
}

func (r *Room) receive(sess *Session, raw []byte) error {
	if r.sessions[sess.UserID] != sess {
		return ErrSessionClosed
	}

	err := r.protection.ExecuteWithProtection(sess.UserID, func() error {
		return r.handle(sess, raw)
	})
	if err == nil {
		return nil
	}
	if pe, ok := protection.AsError(err); ok {
		r.send(sess, types.ErrorEvent{Type: types.EventError, Code: pe.Code, Message: pe.Message})
	} else {
		r.logger.Error().Err(err).Str("user_id", sess.UserID).Msg("message handler failed")
	}
	return err
}

func (r *Room) handle(sess *Session, raw []byte) error {
	if len(raw) > r.cfg.MaxMessageBytes {
		return ErrMessageTooLarge
	}
	in, err := types.DecodeInbound(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("malformed payload")
		return ErrMalformedPayload
	}

	now := r.clock.Now()
	r.markActive(sess.UserID, now)

	switch in.Kind {
	case types.KindPing:
		sess.LastPing = now.UnixMilli()
		r.send(sess, types.PongEvent{Type: types.EventPong, Timestamp: now.UnixMilli()})
	case types.KindMessage:
		return r.postMessage(sess, in.Content, now)
	case types.KindTyping:
		if in.IsTyping {
			r.startTyping(sess.UserID)
		} else {
			r.stopTyping(sess.UserID)
		}
	case types.KindRequestUserList:
		r.broadcastUserList()
	default:
		r.logger.Debug().Str("type", in.Type).Msg("ignoring unknown payload type")
	}
	return nil
}

func (r *Room) postMessage(sess *Session, content string, now time.Time) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !r.messageLimiter.Allow(sess.UserID) {
		metrics.AdmissionRejections.WithLabelValues("room_messages", ErrInRoomRateLimit.Code).Inc()
		r.logger.Warn().
			Str("event", "admission_rejected").
			Str("code", ErrInRoomRateLimit.Code).
			Str("identifier", sess.UserID).
			Msg("message rate limit exceeded")
		return ErrInRoomRateLimit
	}

	r.stopTyping(sess.UserID)
	msg := models.NewMessage(r.id, sess.UserID, sess.Username, content, models.TypeMessage, now)
	r.appendMessage(msg)
	r.broadcast(msg)
	return nil
}

// appendMessage keeps the newest HistoryLimit messages and persists every
// PersistEvery appends. A crash loses at most PersistEvery-1 messages.
func (r *Room) appendMessage(msg models.Message) {
	r.messages = append(r.messages, msg)
	if over := len(r.messages) - r.cfg.HistoryLimit; over > 0 {
		r.messages = slices.Clone(r.messages[over:])
	}
	r.lastActivity = msg.Timestamp
	metrics.MessagesStored.Inc()

	r.unpersisted++
	if r.unpersisted >= r.cfg.PersistEvery {
		r.persistMessages()
		r.persistRoomData()
	}
}

func (r *Room) recent(n int) []models.Message {
	start := max(len(r.messages)-n, 0)
	out := make([]models.Message, len(r.messages)-start)
	copy(out, r.messages[start:])
	return out
}

func (r *Room) disconnect(sess *Session, code int, reason string) {
	if r.sessions[sess.UserID] != sess {
		return
	}
	delete(r.sessions, sess.UserID)
	_ = sess.conn.Close(code, reason)

	now := r.clock.Now()
	nowMs := now.UnixMilli()
	if user, ok := r.users[sess.UserID]; ok {
		if r.clearTyping(sess.UserID) {
			r.broadcastTyping()
		}
		user.Status = models.StatusOffline
		user.LastSeen = nowMs
	}
	r.lastActivity = nowMs

	r.connectionsChanged()
	r.persistUsers()
	r.persistRoomData()

	r.broadcast(models.NewMessage(r.id, sess.UserID, sess.Username, sess.Username+" left the room", models.TypeLeave, now))
	r.broadcastUserList()

	r.logger.Info().
		Str("user_id", sess.UserID).
		Str("session_id", sess.ID).
		Int("sessions", len(r.sessions)).
		Msg("user left")

	if len(r.sessions) == 0 {
		r.armHibernateTimer()
	}
}

// broadcast encodes v once and sends it to every session. Sessions that
// fail are disconnected after the loop; the rest still receive v.
func (r *Room) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode broadcast")
		return
	}

	type failure struct {
		sess *Session
		err  error
	}
	var failed []failure
	for _, sess := range r.sessions {
		if err := sess.conn.Send(data); err != nil {
			failed = append(failed, failure{sess, err})
		}
	}
	for _, f := range failed {
		r.dropSession(f.sess, f.err)
	}
}

func (r *Room) send(sess *Session, v any) {
	if r.sessions[sess.UserID] != sess {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode event")
		return
	}
	if err := sess.conn.Send(data); err != nil {
		r.dropSession(sess, err)
	}
}

func (r *Room) dropSession(sess *Session, err error) {
	if r.sessions[sess.UserID] != sess {
		return
	}
	metrics.BroadcastFailures.Inc()
	r.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("send failed, dropping session")
	r.disconnect(sess, CloseGoingAway, "send failed")
}

func (r *Room) broadcastUserList() {
	r.broadcast(types.UserListEvent{Type: types.EventUserList, Users: r.userViews()})
}

func (r *Room) broadcastTyping() {
	r.broadcast(types.TypingEvent{Type: types.EventTyping, TypingUsers: r.typingUsers()})
}

func (r *Room) userViews() []models.UserView {
	views := make([]models.UserView, 0, len(r.users))
	for _, u := range r.users {
		views = append(views, u.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func (r *Room) typingUsers() []string {
	names := make([]string, 0)
	for _, u := range r.users {
		if u.IsTyping {
			names = append(names, u.Username)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Room) connectionsChanged() {
	n := len(r.sessions)
	delta := n - r.reported
	r.reported = n
	r.protection.UpdateConnectionCount(n)
	if delta == 0 {
		return
	}
	metrics.ActiveConnections.Add(float64(delta))
	if r.onConnections != nil {
		r.onConnections(delta)
	}
}

func (r *Room) stats() Stats {
	n := len(r.sessions)
	return Stats{
		RoomID:        r.id,
		UserCount:     n,
		MaxCapacity:   r.cfg.MaxCapacity,
		IsOverloaded:  n*5 > r.cfg.MaxCapacity*4,
		LastActivity:  r.lastActivity,
		Users:         r.userViews(),
		MessageCount:  len(r.messages),
		IsHibernating: r.hibernating,
	}
}
