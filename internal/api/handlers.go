package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"roomchat/internal/chat"
	"roomchat/internal/protection"
	"roomchat/internal/repository"
	"roomchat/internal/routing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errUpgradeRequired = protection.NewError("UPGRADE_REQUIRED", "expected a websocket upgrade request", http.StatusUpgradeRequired)
	errInternal        = protection.NewError("INTERNAL", "internal error", http.StatusInternalServerError)
)

// Handler serves the HTTP surface in front of the registry.
type Handler struct {
	registry *routing.Registry
	store    repository.Store
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(registry *routing.Registry, store repository.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error maps err to its status and the {error, message} body.
func (h *Handler) Error(w http.ResponseWriter, err error) {
	if pe, ok := protection.AsError(err); ok {
		h.JSON(w, pe.Status, pe)
		return
	}
	if errors.Is(err, chat.ErrRoomClosed) {
		h.JSON(w, http.StatusServiceUnavailable, protection.ErrServiceUnavailable)
		return
	}
	h.logger.Error().Err(err).Msg("request failed")
	h.JSON(w, http.StatusInternalServerError, errInternal)
}

// ServeWS admits the caller into a room and upgrades. Admission happens
// first so rejections are still plain JSON responses.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		h.JSON(w, http.StatusUpgradeRequired, errUpgradeRequired)
		return
	}

	q := r.URL.Query()
	res, err := h.registry.Reserve(r.Context(), q.Get("room"), q.Get("userId"), q.Get("username"))
	if err != nil {
		h.logger.Warn().Err(err).Str("room", q.Get("room")).Str("user_id", q.Get("userId")).Msg("connect rejected")
		h.Error(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		res.Cancel()
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	room := res.Room()
	client := chat.NewClient(conn, h.logger.With().Str("room", room.ID()).Str("user_id", res.UserID).Logger())
	go client.WritePump()

	sess, err := res.Join(context.Background(), client)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", room.ID()).Msg("join failed after upgrade")
		client.Close(chat.CloseGoingAway, "join failed")
		return
	}
	go client.ReadPump(room, sess)
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.registry.List(r.Context())
	if rooms == nil {
		rooms = []chat.Stats{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (h *Handler) RoomStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context(), clientIP(r), chi.URLParam(r, "room"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, stats)
}

func (h *Handler) RoomHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.registry.RoomHealth(clientIP(r), chi.URLParam(r, "room"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, healthStatus(health.Healthy), health)
}

func (h *Handler) Hibernate(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := h.registry.Hibernate(r.Context(), clientIP(r), room); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"room": room, "hibernating": true})
}

// Check is one dependency check in the health response.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Router    protection.Health `json:"router"`
	Checks    map[string]Check  `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	router := h.registry.Health()
	healthy := router.Healthy

	checks := make(map[string]Check)
	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks[h.store.Backend()] = Check{Status: "fail", Message: "ping failed"}
		healthy = false
	} else {
		checks[h.store.Backend()] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	h.JSON(w, healthStatus(healthy), HealthResponse{
		Status:    status,
		Router:    router,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func healthStatus(healthy bool) int {
	if healthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// clientIP is the router rate-limit identifier. RealIP has already applied
// X-Forwarded-For, so RemoteAddr may lack a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
