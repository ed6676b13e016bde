// Package routing maps room names to room actors. Rooms are created on
// first reference and spread across independently locked shards.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"roomchat/internal/chat"
	"roomchat/internal/hashing"
	"roomchat/internal/metrics"
	"roomchat/internal/protection"
	"roomchat/internal/repository"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

var (
	ErrInvalidRoom   = protection.NewError("INVALID_ROOM", "room must be 1-50 letters, digits, '-' or '_'", http.StatusBadRequest)
	ErrInvalidParams = protection.NewError("INVALID_PARAMS", "userId and username are required", http.StatusBadRequest)
	ErrRoomNotLoaded = protection.NewError("ROOM_NOT_LOADED", "room is not loaded", http.StatusNotFound)
)

type Config struct {
	Shards     int
	Protection protection.Config
	Room       chat.Config
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*chat.Room
}

type Registry struct {
	cfg    Config
	store  repository.Store
	clock  clockwork.Clock
	logger zerolog.Logger

	shards []*shard

	protection  *protection.Manager
	connections atomic.Int64
	closed      atomic.Bool
}

func NewRegistry(cfg Config, store repository.Store, clock clockwork.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}

	g := &Registry{
		cfg:        cfg,
		store:      store,
		clock:      clock,
		logger:     logger.With().Str("component", "registry").Logger(),
		shards:     make([]*shard, cfg.Shards),
		protection: protection.NewManager(cfg.Protection, clock, logger),
	}
	for i := range g.shards {
		g.shards[i] = &shard{rooms: make(map[string]*chat.Room)}
	}
	return g
}

func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

func (g *Registry) shardFor(name string) *shard {
	return g.shards[hashing.Shard(name, len(g.shards))]
}

// room returns the loaded room for name, creating and starting it if needed.
func (g *Registry) room(name string) (*chat.Room, error) {
	if g.closed.Load() {
		return nil, chat.ErrRoomClosed
	}

	s := g.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[name]; ok {
		return r, nil
	}
	r := chat.NewRoom(name, g.cfg.Room, g.store, chat.Options{
		Clock:                g.clock,
		Logger:               g.logger,
		OnConnectionsChanged: g.connectionsChanged,
	})
	s.rooms[name] = r
	go r.Run()

	metrics.ActiveRooms.Inc()
	g.logger.Debug().Str("room", name).Msg("room loaded")
	return r, nil
}

func (g *Registry) loaded(name string) (*chat.Room, bool) {
	s := g.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	return r, ok
}

func (g *Registry) loadedRooms() []*chat.Room {
	var rooms []*chat.Room
	for _, s := range g.shards {
		s.mu.Lock()
		for _, r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.Unlock()
	}
	return rooms
}

func (g *Registry) connectionsChanged(delta int) {
	n := g.connections.Add(int64(delta))
	g.protection.UpdateConnectionCount(int(n))
}

// withRoom forwards fn to the named room through the router gate. A room
// evicted between lookup and use is reloaded once.
func (g *Registry) withRoom(identifier, name string, fn func(*chat.Room) error) error {
	if !ValidRoomName(name) {
		return ErrInvalidRoom
	}
	return g.protection.ExecuteWithProtection(identifier, func() error {
		for attempt := 0; ; attempt++ {
			r, err := g.room(name)
			if err != nil {
				return err
			}
			err = fn(r)
			if errors.Is(err, chat.ErrRoomClosed) && attempt == 0 && !g.closed.Load() {
				continue
			}
			return err
		}
	})
}

// Reserve admits userID into the named room and holds a slot.
func (g *Registry) Reserve(ctx context.Context, name, userID, username string) (*chat.Reservation, error) {
	if !ValidRoomName(name) {
		return nil, ErrInvalidRoom
	}
	if userID == "" || username == "" {
		return nil, ErrInvalidParams
	}

	var res *chat.Reservation
	err := g.withRoom(userID, name, func(r *chat.Room) error {
		var err error
		res, err = r.Reserve(ctx, userID, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Registry) Stats(ctx context.Context, identifier, name string) (chat.Stats, error) {
	var stats chat.Stats
	err := g.withRoom(identifier, name, func(r *chat.Room) error {
		var err error
		stats, err = r.Stats(ctx)
		return err
	})
	return stats, err
}

// RoomHealth reports a loaded room's gate. It never loads a room.
func (g *Registry) RoomHealth(identifier, name string) (protection.Health, error) {
	if !ValidRoomName(name) {
		return protection.Health{}, ErrInvalidRoom
	}
	var health protection.Health
	err := g.protection.ExecuteWithProtection(identifier, func() error {
		r, ok := g.loaded(name)
		if !ok {
			return ErrRoomNotLoaded
		}
		health = r.Health()
		return nil
	})
	return health, err
}

// Hibernate parks a loaded room. Rooms that are not loaded are already
// dormant.
func (g *Registry) Hibernate(ctx context.Context, identifier, name string) error {
	if !ValidRoomName(name) {
		return ErrInvalidRoom
	}
	return g.protection.ExecuteWithProtection(identifier, func() error {
		r, ok := g.loaded(name)
		if !ok {
			return nil
		}
		err := r.Hibernate(ctx)
		if errors.Is(err, chat.ErrRoomClosed) {
			return nil
		}
		return err
	})
}

// List returns stats for every loaded room, sorted by name.
func (g *Registry) List(ctx context.Context) []chat.Stats {
	var out []chat.Stats
	for _, r := range g.loadedRooms() {
		s, err := r.Stats(ctx)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (g *Registry) Health() protection.Health {
	return g.protection.Health()
}

func (g *Registry) Connections() int {
	return int(g.connections.Load())
}

// RunDueAlarms loads every room whose stored alarm is due and runs it.
func (g *Registry) RunDueAlarms(ctx context.Context) (int, error) {
	due, err := repository.DueAlarms(ctx, g.store, g.clock.Now())
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, a := range due {
		if !ValidRoomName(a.RoomID) {
			g.logger.Warn().Str("room", a.RoomID).Msg("skipping alarm for invalid room name")
			continue
		}
		r, err := g.room(a.RoomID)
		if err != nil {
			return ran, err
		}
		ok, err := r.Alarm(ctx)
		if err != nil {
			g.logger.Error().Err(err).Str("room", a.RoomID).Msg("room alarm failed")
			continue
		}
		if ok {
			ran++
		}
	}
	return ran, nil
}

// EvictHibernated closes and unloads hibernating rooms. Their state and
// wake alarm stay in the store.
func (g *Registry) EvictHibernated(ctx context.Context) int {
	evicted := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for name, r := range s.rooms {
			stats, err := r.Stats(ctx)
			if err != nil || !stats.IsHibernating {
				continue
			}
			if err := r.Close(ctx); err != nil {
				g.logger.Warn().Err(err).Str("room", name).Msg("close hibernated room")
			}
			delete(s.rooms, name)
			metrics.ActiveRooms.Dec()
			evicted++
		}
		s.mu.Unlock()
	}
	return evicted
}

// Cleanup prunes idle router rate-limit entries.
func (g *Registry) Cleanup() int {
	return g.protection.Cleanup()
}

// Shutdown rejects new work and closes every room, flushing its state.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.protection.InitiateGracefulShutdown()
	g.closed.Store(true)

	rooms := g.loadedRooms()
	errs := make([]error, len(rooms))
	var wg sync.WaitGroup
	for i, r := range rooms {
		wg.Add(1)
		go func(i int, r *chat.Room) {
			defer wg.Done()
			if err := r.Close(ctx); err != nil {
				errs[i] = fmt.Errorf("close room %s: %w", r.ID(), err)
			}
		}(i, r)
	}
	wg.Wait()

	for _, s := range g.shards {
		s.mu.Lock()
		metrics.ActiveRooms.Sub(float64(len(s.rooms)))
		clear(s.rooms)
		s.mu.Unlock()
	}

	g.logger.Info().Int("rooms", len(rooms)).Msg("registry shut down")
	return errors.Join(errs...)
}
