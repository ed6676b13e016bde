package chat

import (
	"context"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/repository"
	"roomchat/internal/types"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_TypingExpiresOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := startRoom(t, clock, testConfig(), repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	_, connB := connect(t, r, "B")

	require.NoError(t, r.Receive(ctx, sessA, typing(true)))
	events := connB.events(types.EventTyping)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"A"}, events[0].TypingUsers)

	clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool {
		return len(connB.events(types.EventTyping)) == 2
	}, time.Second, 5*time.Millisecond)

	a, ok := userView(stats(t, r), "A")
	require.True(t, ok)
	assert.False(t, a.IsTyping)

	events = connB.events(types.EventTyping)
	require.Len(t, events, 2, "stop transition broadcasts exactly once")
	assert.Empty(t, events[1].TypingUsers)
}

func TestPresence_RepeatedTypingRearmsTimer(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := startRoom(t, clock, testConfig(), repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	_, connB := connect(t, r, "B")

	require.NoError(t, r.Receive(ctx, sessA, typing(true)))
	clock.Advance(2 * time.Second)
	require.NoError(t, r.Receive(ctx, sessA, typing(true)))
	clock.Advance(2 * time.Second)

	// Only the first start broadcasts, and the rearmed timer has not fired.
	_ = stats(t, r)
	assert.Len(t, connB.events(types.EventTyping), 1)
	a, _ := userView(stats(t, r), "A")
	assert.True(t, a.IsTyping)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(connB.events(types.EventTyping)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPresence_MessageStopsTyping(t *testing.T) {
	ctx := context.Background()
	r := startRoom(t, clockwork.NewFakeClock(), testConfig(), repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	_, connB := connect(t, r, "B")

	require.NoError(t, r.Receive(ctx, sessA, typing(true)))
	require.NoError(t, r.Receive(ctx, sessA, say("done typing")))

	events := connB.events(types.EventTyping)
	require.Len(t, events, 2)
	assert.Empty(t, events[1].TypingUsers)
}

func TestPresence_DemotionClearsTyping(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.AwayThreshold = time.Minute
	cfg.PresenceInterval = 30 * time.Second
	cfg.TypingTimeout = time.Hour
	r := startRoom(t, clock, cfg, repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	_, connB := connect(t, r, "B")
	require.NoError(t, r.Receive(ctx, sessA, typing(true)))

	clock.Advance(61 * time.Second)

	require.Eventually(t, func() bool {
		a, ok := userView(stats(t, r), "A")
		return ok && a.Status == models.StatusAway
	}, time.Second, 5*time.Millisecond)

	a, _ := userView(stats(t, r), "A")
	assert.False(t, a.IsTyping)

	events := connB.events(types.EventTyping)
	require.NotEmpty(t, events)
	assert.NotContains(t, events[len(events)-1].TypingUsers, "A")
}

func TestPresence_ActivityRestoresOnline(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.AwayThreshold = time.Minute
	cfg.PresenceInterval = 30 * time.Second
	r := startRoom(t, clock, cfg, repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		a, _ := userView(stats(t, r), "A")
		return a.Status == models.StatusAway
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Receive(ctx, sessA, []byte(`{"type":"ping"}`)))
	a, _ := userView(stats(t, r), "A")
	assert.Equal(t, models.StatusOnline, a.Status)
	assert.Equal(t, clock.Now().UnixMilli(), a.LastSeen)
}

func TestPresence_DisconnectCancelsTypingTimer(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := startRoom(t, clock, testConfig(), repository.NewMemoryStore())

	sessA, _ := connect(t, r, "A")
	_, connB := connect(t, r, "B")
	require.NoError(t, r.Receive(ctx, sessA, typing(true)))
	require.NoError(t, r.Disconnect(ctx, sessA))

	events := connB.events(types.EventTyping)
	require.Len(t, events, 2)
	assert.Empty(t, events[1].TypingUsers)

	var pending int
	require.NoError(t, r.call(ctx, func() { pending = len(r.typing) }))
	assert.Zero(t, pending)

	clock.Advance(3 * time.Second)
	assert.Never(t, func() bool {
		return len(connB.events(types.EventTyping)) > 2
	}, 50*time.Millisecond, 5*time.Millisecond)
}
