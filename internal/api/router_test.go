package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"roomchat/internal/chat"
	"roomchat/internal/protection"
	"roomchat/internal/repository"
	"roomchat/internal/routing"
	"roomchat/internal/types"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, roomCapacity int) *httptest.Server {
	t.Helper()
	cfg := routing.Config{
		Shards:     2,
		Protection: protection.DefaultConfig("router"),
		Room:       chat.DefaultConfig(),
	}
	cfg.Room.MaxCapacity = roomCapacity

	store := repository.NewMemoryStore()
	registry := routing.NewRegistry(cfg, store, clockwork.NewRealClock(), zerolog.Nop())
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), registry, store))

	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return srv
}

func wsURL(srv *httptest.Server, room, userID, username string) string {
	q := url.Values{}
	q.Set("room", room)
	q.Set("userId", userID)
	q.Set("username", username)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?" + q.Encode()
}

func dial(t *testing.T, srv *httptest.Server, room, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, room, user, user), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first event of kind, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, kind types.EventType) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env types.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == kind {
			return env
		}
	}
}

func getJSON(t *testing.T, rawURL string, v any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServeWS_RequiresUpgrade(t *testing.T) {
	srv := newTestServer(t, 10)

	var body protection.Error
	status := getJSON(t, srv.URL+"/api/ws?room=general&userId=a&username=a", &body)
	assert.Equal(t, http.StatusUpgradeRequired, status)
	assert.Equal(t, "UPGRADE_REQUIRED", body.Code)
}

func TestServeWS_RejectsBadParams(t *testing.T) {
	srv := newTestServer(t, 10)

	tests := []struct {
		name             string
		room, user, code string
	}{
		{"missing user", "general", "", "INVALID_PARAMS"},
		{"bad room", "no spaces", "alice", "INVALID_ROOM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.room, tt.user, tt.user), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			data, _ := io.ReadAll(resp.Body)
			var body protection.Error
			require.NoError(t, json.Unmarshal(data, &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestServeWS_Conversation(t *testing.T) {
	srv := newTestServer(t, 10)

	alice := dial(t, srv, "general", "alice")
	join := readUntil(t, alice, types.EventJoin)
	assert.Equal(t, "alice", join.Username)
	history := readUntil(t, alice, types.EventHistory)
	assert.Empty(t, history.Messages)

	bob := dial(t, srv, "general", "bob")
	assert.Equal(t, "bob", readUntil(t, alice, types.EventJoin).Username)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "content": "hi"}))
	msg := readUntil(t, bob, types.EventMessage)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "alice", msg.Username)

	var stats chat.Stats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/general/stats", &stats))
	assert.Equal(t, 2, stats.UserCount)
	assert.Equal(t, 1, stats.MessageCount)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	leave := readUntil(t, alice, types.EventLeave)
	assert.Equal(t, "bob", leave.Username)

	require.Eventually(t, func() bool {
		var s chat.Stats
		getJSON(t, srv.URL+"/api/rooms/general/stats", &s)
		return s.UserCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_RoomAtCapacity(t *testing.T) {
	srv := newTestServer(t, 1)
	dial(t, srv, "general", "alice")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "general", "bob", "bob"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	data, _ := io.ReadAll(resp.Body)
	var body protection.Error
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ROOM_AT_CAPACITY", body.Code)
}

func TestHibernateEndpoint(t *testing.T) {
	srv := newTestServer(t, 10)
	alice := dial(t, srv, "general", "alice")
	readUntil(t, alice, types.EventHistory)

	resp, err := http.Post(srv.URL+"/api/rooms/general/hibernate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/rooms/idle/hibernate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoomsAndHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, 10)
	alice := dial(t, srv, "lobby", "alice")
	readUntil(t, alice, types.EventHistory)

	var rooms struct {
		Rooms []chat.Stats `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms", &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "lobby", rooms.Rooms[0].RoomID)

	var health HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "pass", health.Checks["memory"].Status)
	assert.Equal(t, 1, health.Router.Connections.Connections)

	var roomHealth protection.Health
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/lobby/health", &roomHealth))
	assert.True(t, roomHealth.Healthy)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeWS_FailedUpgradeReleasesSlot(t *testing.T) {
	srv := newTestServer(t, 1)

	// Upgrade headers pass admission, but without a websocket key and
	// version the handshake itself fails after the slot was reserved.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/ws?room=general&userId=ghost&username=ghost", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	alice := dial(t, srv, "general", "alice")
	readUntil(t, alice, types.EventHistory)

	var stats chat.Stats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/general/stats", &stats))
	assert.Equal(t, 1, stats.UserCount)
}

func TestRoomHealth_NotLoaded(t *testing.T) {
	srv := newTestServer(t, 10)

	var body protection.Error
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/rooms/nowhere/health", &body))
	assert.Equal(t, "ROOM_NOT_LOADED", body.Code)

	var rooms struct {
		Rooms []chat.Stats `json:"rooms"`
	}
	getJSON(t, srv.URL+"/api/rooms", &rooms)
	assert.Empty(t, rooms.Rooms)
}
