// Package server implements the tabletop session server: one hub of
// rooms keyed by session id, each room fanning broadcasts out to its
// connected clients with the sender id stamped server-side.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// ConnectionConfig holds per-connection websocket settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the stock websocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Browser clients connect from the static-asset origin;
			// restrict in production deployments.
			return true
		},
	}
}

// RoomPreset configures one room ahead of its first join.
type RoomPreset struct {
	GMPassword string `yaml:"gm_password"`
	Scene      string `yaml:"scene"`
}

// Config holds hub-wide settings.
type Config struct {
	// DefaultGMPassword guards GM elevation in rooms without a
	// preset. Empty disables GM auth for those rooms.
	DefaultGMPassword string
	// Presets configure individual rooms by session id.
	Presets map[string]RoomPreset
	// Connection applies to every websocket connection.
	Connection ConnectionConfig
}

// DefaultConfig returns a hub configuration with stock connection
// settings and no presets.
func DefaultConfig() Config {
	return Config{Connection: DefaultConnectionConfig()}
}

// Hub owns all session rooms. Rooms persist for the process lifetime
// so a sole participant can still redeem a reconnection token after a
// reload empties the room.
type Hub struct {
	cfg      Config
	relay    Relay
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub creates a hub. relay may be nil; rooms then fan out to
// websocket clients only.
func NewHub(cfg Config, relay Relay) *Hub {
	return &Hub{
		cfg:   cfg,
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Connection.ReadBufferSize,
			WriteBufferSize: cfg.Connection.WriteBufferSize,
			CheckOrigin:     cfg.Connection.CheckOrigin,
		},
		rooms: make(map[string]*Room),
	}
}

// RoomFor returns the room for a session id, creating it on first use
// with its preset, if any.
func (h *Hub) RoomFor(sessionID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[sessionID]; ok {
		return room
	}

	preset, ok := h.cfg.Presets[sessionID]
	if !ok {
		preset = RoomPreset{GMPassword: h.cfg.DefaultGMPassword}
	}
	room := newRoom(sessionID, preset, h.relay)
	h.rooms[sessionID] = room
	activeRooms.Set(float64(len(h.rooms)))

	log.Info().Str("session_id", sessionID).Msg("room created")
	return room
}

// HandleWS upgrades the connection and starts the client pumps. The
// server-assigned connection id travels back to the client in the
// upgrade response headers; the room binding happens on the first
// join message.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	header := http.Header{}
	header.Set(protocol.ClientIDHeader, id)

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	activeConnections.Inc()

	log.Info().
		Str("client_id", id).
		Str("remote", r.RemoteAddr).
		Msg("websocket connection established")

	go c.writePump()
	go c.readPump()
}
