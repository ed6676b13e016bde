package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"roomchat/internal/chat"
	"roomchat/internal/models"
	"roomchat/internal/protection"
	"roomchat/internal/repository"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	frames int
	code   int
}

func (c *recordingConn) Send([]byte) error {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Close(code int, _ string) error {
	c.mu.Lock()
	if c.code == 0 {
		c.code = code
	}
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func testConfig() Config {
	return Config{
		Shards:     4,
		Protection: protection.DefaultConfig("router"),
		Room:       chat.DefaultConfig(),
	}
}

func newTestRegistry(t *testing.T, cfg Config, store repository.Store, clock clockwork.Clock) *Registry {
	t.Helper()
	g := NewRegistry(cfg, store, clock, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func join(t *testing.T, g *Registry, room, user string) (*chat.Session, *recordingConn) {
	t.Helper()
	ctx := context.Background()
	res, err := g.Reserve(ctx, room, user, user)
	require.NoError(t, err)
	conn := &recordingConn{}
	sess, err := res.Join(ctx, conn)
	require.NoError(t, err)
	return sess, conn
}

func TestValidRoomName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"general", true},
		{"team_42-ops", true},
		{"", false},
		{"has space", false},
		{"slash/y", false},
		{string(make([]byte, 51)), false},
		{fmt.Sprintf("%050d", 0), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidRoomName(tt.name), "room %q", tt.name)
	}
}

func TestRegistry_ReserveValidatesInput(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	_, err := g.Reserve(ctx, "bad room", "u1", "alice")
	assert.ErrorIs(t, err, ErrInvalidRoom)

	_, err = g.Reserve(ctx, "general", "", "alice")
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = g.Reserve(ctx, "general", "u1", "")
	assert.ErrorIs(t, err, ErrInvalidParams)

	assert.Empty(t, g.List(ctx), "rejected requests load no room")
}

func TestRegistry_RoutesByName(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	join(t, g, "general", "alice")
	join(t, g, "general", "bob")
	join(t, g, "random", "carol")

	general, err := g.Stats(ctx, "test", "general")
	require.NoError(t, err)
	assert.Equal(t, 2, general.UserCount)

	random, err := g.Stats(ctx, "test", "random")
	require.NoError(t, err)
	assert.Equal(t, 1, random.UserCount)

	list := g.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "general", list[0].RoomID)
	assert.Equal(t, "random", list[1].RoomID)

	assert.Equal(t, 3, g.Connections())
	assert.Equal(t, 3, g.Health().Connections.Connections)
}

func TestRegistry_DisconnectUpdatesConnectionCount(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	sess, _ := join(t, g, "general", "alice")
	require.Equal(t, 1, g.Connections())

	room, ok := g.loaded("general")
	require.True(t, ok)
	require.NoError(t, room.Disconnect(ctx, sess))
	assert.Zero(t, g.Connections())
}

func TestRegistry_RouterRateLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Protection.RateLimit = protection.RateLimitConfig{RequestsPerWindow: 2, WindowSize: time.Minute}
	clock := clockwork.NewFakeClock()
	g := newTestRegistry(t, cfg, repository.NewMemoryStore(), clock)

	for range 2 {
		_, err := g.Stats(ctx, "10.0.0.1", "general")
		require.NoError(t, err)
	}
	_, err := g.Stats(ctx, "10.0.0.1", "general")
	assert.ErrorIs(t, err, protection.ErrRateLimitExceeded)

	_, err = g.Stats(ctx, "10.0.0.2", "general")
	assert.NoError(t, err, "limits are per identifier")

	clock.Advance(time.Minute)
	_, err = g.Stats(ctx, "10.0.0.1", "general")
	assert.NoError(t, err)
}

func TestRegistry_RunDueAlarmsLoadsRoom(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(t0)
	store := repository.NewMemoryStore()

	scope := repository.Scope(store, "lobby")
	msgs := make([]models.Message, 80)
	for i := range msgs {
		msgs[i] = models.NewMessage("lobby", "u", "u", fmt.Sprintf("m%d", i), models.TypeMessage, t0)
	}
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	require.NoError(t, scope.Put(ctx, "messages", data))
	require.NoError(t, scope.SetAlarm(ctx, t0.Add(-time.Hour)))

	g := newTestRegistry(t, testConfig(), store, clock)

	_, err = g.RunDueAlarms(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := g.Stats(ctx, "test", "lobby")
		return err == nil && s.MessageCount == 50
	}, time.Second, 5*time.Millisecond)

	room, ok := g.loaded("lobby")
	require.True(t, ok)
	require.NoError(t, room.Flush(ctx))

	due, err := repository.DueAlarms(ctx, store, t0)
	require.NoError(t, err)
	assert.Empty(t, due, "alarm is rearmed into the future")
}

func TestRegistry_EvictHibernated(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	g := newTestRegistry(t, testConfig(), store, clockwork.NewFakeClock())

	sess, _ := join(t, g, "general", "alice")
	room, _ := g.loaded("general")
	require.NoError(t, room.Receive(ctx, sess, []byte(`{"type":"message","content":"hi"}`)))

	assert.ErrorIs(t, g.Hibernate(ctx, "test", "general"), chat.ErrRoomNotIdle)
	assert.Zero(t, g.EvictHibernated(ctx))

	require.NoError(t, room.Disconnect(ctx, sess))
	require.NoError(t, g.Hibernate(ctx, "test", "general"))
	assert.Equal(t, 1, g.EvictHibernated(ctx))
	assert.Empty(t, g.List(ctx))

	s, err := g.Stats(ctx, "test", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, s.MessageCount, "reloaded room restores persisted history")
	assert.False(t, s.IsHibernating)
}

func TestRegistry_HibernateUnloadedRoomIsNoop(t *testing.T) {
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())
	assert.NoError(t, g.Hibernate(context.Background(), "test", "nowhere"))
	assert.ErrorIs(t, g.Hibernate(context.Background(), "test", "bad name"), ErrInvalidRoom)
}

func TestRegistry_ShutdownClosesRooms(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	_, conn := join(t, g, "general", "alice")
	require.NoError(t, g.Shutdown(ctx))

	assert.Equal(t, chat.CloseGoingAway, conn.closeCode())
	assert.Empty(t, g.List(ctx))
	assert.True(t, g.Health().ShuttingDown)

	_, err := g.Reserve(ctx, "general", "bob", "bob")
	assert.ErrorIs(t, err, protection.ErrServiceUnavailable)
}

func TestRegistry_CancelledCallersDoNotTripBreaker(t *testing.T) {
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := range 2 * testConfig().Protection.Breaker.FailureThreshold {
		_, _ = g.Reserve(ctx, fmt.Sprintf("room-%d", i), fmt.Sprintf("user-%d", i), "u")
	}

	breaker := g.Health().Breaker
	assert.Equal(t, protection.StateClosed, breaker.State)
	assert.Zero(t, breaker.FailureCount)

	join(t, g, "unrelated", "alice")
}

func TestRegistry_RoomHealthDoesNotLoad(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	_, err := g.RoomHealth("test", "ghost-town")
	assert.ErrorIs(t, err, ErrRoomNotLoaded)
	_, err = g.RoomHealth("test", "bad name")
	assert.ErrorIs(t, err, ErrInvalidRoom)
	assert.Empty(t, g.List(ctx))

	join(t, g, "general", "alice")
	health, err := g.RoomHealth("test", "general")
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.Connections.Connections)
}

func TestRegistry_PartitionsRoomsAcrossShards(t *testing.T) {
	g := newTestRegistry(t, testConfig(), repository.NewMemoryStore(), clockwork.NewFakeClock())

	for i := range 40 {
		join(t, g, fmt.Sprintf("room-%d", i), "alice")
	}

	used := 0
	total := 0
	for _, s := range g.shards {
		s.mu.Lock()
		if len(s.rooms) > 0 {
			used++
		}
		total += len(s.rooms)
		s.mu.Unlock()
	}
	assert.Equal(t, 40, total)
	assert.Greater(t, used, 1)
	assert.Same(t, g.shardFor("room-7"), g.shardFor("room-7"))
}
