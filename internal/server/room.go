package server

import (
	"crypto/subtle"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// identity is the durable part of a participant, keyed by the
// reconnection token. Connection ids change on every connect; the
// identity carries name and role across reloads.
type identity struct {
	token string
	name  string
	role  protocol.Role
}

// Room is one shared session: its connected clients, the identities it
// has minted tokens for, and the retained scene state replayed to late
// joiners.
type Room struct {
	id         string
	gmPassword string
	relay      Relay

	mu         sync.Mutex
	clients    map[string]*client
	identities map[string]*identity

	scene     string
	npcStates map[string]json.RawMessage
	flags     map[string]any
}

func newRoom(id string, preset RoomPreset, relay Relay) *Room {
	r := &Room{
		id:         id,
		gmPassword: preset.GMPassword,
		relay:      relay,
		clients:    make(map[string]*client),
		identities: make(map[string]*identity),
		scene:      preset.Scene,
		npcStates:  make(map[string]json.RawMessage),
		flags:      make(map[string]any),
	}
	return r
}

// join binds a client to the room. A valid token restores the stored
// name and role; otherwise a fresh identity is minted. The joiner's
// claimed role is never trusted: GM comes only from token restoration
// or a successful password challenge.
func (r *Room) join(c *client, p protocol.JoinPayload) {
	r.mu.Lock()

	ident, ok := r.identities[p.Token]
	if ok {
		if p.Name != "" {
			ident.name = p.Name
		}
	} else {
		ident = &identity{
			token: uuid.New().String(),
			name:  p.Name,
			role:  protocol.RolePlayer,
		}
		r.identities[ident.token] = ident
	}
	if ident.role == protocol.RoleGM && r.connectedGMLocked() != nil {
		// Another connected client already holds GM; restore this
		// one as a player to keep GM unique.
		ident.role = protocol.RolePlayer
	}

	c.identity = ident
	c.view = p.View
	if c.view == "" {
		c.view = protocol.ViewScene
	}
	r.clients[c.id] = c

	name, role, token := ident.name, ident.role, ident.token
	view := c.view
	snapshot := r.presenceLocked()
	r.mu.Unlock()

	log.Info().
		Str("session_id", r.id).
		Str("client_id", c.id).
		Str("name", name).
		Str("role", string(role)).
		Bool("restored", ok).
		Msg("client joined room")

	r.sendTo(c, protocol.TypeToken, protocol.TokenPayload{Token: token})
	r.sendTo(c, protocol.TypePresence, protocol.PresencePayload{Users: snapshot})
	r.sendStateTo(c)

	r.fanout(protocol.TypeJoin, protocol.JoinPayload{
		From:      c.id,
		Name:      name,
		Role:      role,
		View:      view,
		SessionID: r.id,
	})
}

// leave unbinds a disconnected client and announces the departure. The
// identity stays behind for token redemption.
func (r *Room) leave(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.id)
	r.mu.Unlock()

	log.Info().
		Str("session_id", r.id).
		Str("client_id", c.id).
		Msg("client left room")

	r.fanout(protocol.TypeLeave, protocol.LeavePayload{ID: c.id})
}

// handle routes one message from a joined client.
func (r *Room) handle(c *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		var p protocol.ChatPayload
		if !decode(c, env, &p) {
			return
		}
		p.From = c.id
		r.mu.Lock()
		p.Role = c.identity.role
		r.mu.Unlock()
		r.fanout(protocol.TypeChat, p)

	case protocol.TypeRoll:
		var p protocol.RollPayload
		if !decode(c, env, &p) {
			return
		}
		p.From = c.id
		r.fanout(protocol.TypeRoll, p)

	case protocol.TypeViewChange:
		var p protocol.ViewChangePayload
		if !decode(c, env, &p) {
			return
		}
		r.mu.Lock()
		c.view = p.View
		r.mu.Unlock()
		r.fanout(protocol.TypeViewChange, protocol.ViewChangePayload{ID: c.id, View: p.View})

	case protocol.TypeSceneChange:
		var p protocol.SceneChangePayload
		if !decode(c, env, &p) {
			return
		}
		// Authoritative role check. The client gates this call on
		// its own role too, but that guard is trivially bypassed.
		r.mu.Lock()
		senderRole := c.identity.role
		r.mu.Unlock()
		if senderRole != protocol.RoleGM {
			log.Warn().
				Str("session_id", r.id).
				Str("client_id", c.id).
				Msg("scene change rejected, sender is not gm")
			r.sendTo(c, protocol.TypeError, protocol.ErrorPayload{Message: "scene change requires gm role"})
			return
		}
		r.mu.Lock()
		r.scene = p.Scene
		r.mu.Unlock()
		p.From = c.id
		r.fanout(protocol.TypeSceneChange, p)

	case protocol.TypeNPCState:
		var p protocol.NPCStatePayload
		if !decode(c, env, &p) {
			return
		}
		r.mu.Lock()
		r.npcStates[p.NPCID] = p.State
		r.mu.Unlock()
		p.From = c.id
		r.fanout(protocol.TypeNPCState, p)

	case protocol.TypeFlagUpdate:
		var p protocol.FlagUpdatePayload
		if !decode(c, env, &p) {
			return
		}
		r.mu.Lock()
		r.flags[p.Key] = p.Value
		r.mu.Unlock()
		p.From = c.id
		r.fanout(protocol.TypeFlagUpdate, p)

	case protocol.TypeStateRequest:
		r.sendStateTo(c)

	case protocol.TypePing:
		var p protocol.PingPayload
		if !decode(c, env, &p) {
			return
		}
		r.sendTo(c, protocol.TypePong, protocol.PongPayload{SentAt: p.SentAt})

	case protocol.TypeEchoRequest:
		var p protocol.EchoPayload
		if !decode(c, env, &p) {
			return
		}
		// Echoed back verbatim, to the probing client only.
		r.sendTo(c, protocol.TypeEchoResponse, p)

	case protocol.TypeGMAuth:
		var p protocol.GMAuthPayload
		if !decode(c, env, &p) {
			return
		}
		r.authenticateGM(c, p.Password)

	case protocol.TypeGMLogout:
		r.mu.Lock()
		c.identity.role = protocol.RolePlayer
		snapshot := r.presenceLocked()
		r.mu.Unlock()
		log.Info().Str("session_id", r.id).Str("client_id", c.id).Msg("gm logged out")
		r.fanout(protocol.TypePresence, protocol.PresencePayload{Users: snapshot})

	case protocol.TypeJoin:
		log.Warn().Str("client_id", c.id).Msg("duplicate join, ignoring")

	default:
		log.Warn().
			Str("client_id", c.id).
			Str("type", string(env.Type)).
			Msg("unexpected message type")
		r.sendTo(c, protocol.TypeError, protocol.ErrorPayload{Message: "unexpected message type " + string(env.Type)})
	}
}

// authenticateGM validates the shared secret and, on success, makes
// the sender the room's single GM, demoting any previous holder.
func (r *Room) authenticateGM(c *client, password string) {
	ok := r.gmPassword != "" &&
		subtle.ConstantTimeCompare([]byte(password), []byte(r.gmPassword)) == 1

	if !ok {
		gmAuthFailures.Inc()
		log.Warn().
			Str("session_id", r.id).
			Str("client_id", c.id).
			Msg("gm authentication failed")
		r.sendTo(c, protocol.TypeGMAuthResult, protocol.GMAuthResultPayload{Success: false})
		return
	}

	r.mu.Lock()
	for _, ident := range r.identities {
		if ident.role == protocol.RoleGM {
			ident.role = protocol.RolePlayer
		}
	}
	c.identity.role = protocol.RoleGM
	name := c.identity.name
	snapshot := r.presenceLocked()
	r.mu.Unlock()

	log.Info().
		Str("session_id", r.id).
		Str("client_id", c.id).
		Str("name", name).
		Msg("gm authenticated")

	r.sendTo(c, protocol.TypeGMAuthResult, protocol.GMAuthResultPayload{Success: true})
	r.fanout(protocol.TypePresence, protocol.PresencePayload{Users: snapshot})
}

// presenceLocked snapshots every connected participant. Callers hold
// the room lock.
func (r *Room) presenceLocked() []protocol.Peer {
	users := make([]protocol.Peer, 0, len(r.clients))
	for _, c := range r.clients {
		users = append(users, protocol.Peer{
			ID:   c.id,
			Name: c.identity.name,
			Role: c.identity.role,
			View: c.view,
		})
	}
	return users
}

// connectedGMLocked returns the connected client holding GM, if any.
func (r *Room) connectedGMLocked() *client {
	for _, c := range r.clients {
		if c.identity != nil && c.identity.role == protocol.RoleGM {
			return c
		}
	}
	return nil
}

// sendStateTo replays retained scene state to one client.
func (r *Room) sendStateTo(c *client) {
	r.mu.Lock()
	state := protocol.StateSyncPayload{CurrentScene: r.scene}
	if len(r.npcStates) > 0 {
		state.NPCStates = make(map[string]json.RawMessage, len(r.npcStates))
		for k, v := range r.npcStates {
			state.NPCStates[k] = v
		}
	}
	if len(r.flags) > 0 {
		state.Flags = make(map[string]any, len(r.flags))
		for k, v := range r.flags {
			state.Flags[k] = v
		}
	}
	r.mu.Unlock()

	if state.CurrentScene == "" && state.NPCStates == nil && state.Flags == nil {
		return
	}
	r.sendTo(c, protocol.TypeStateSync, state)
}

// fanout delivers one message to every connected client, the sender
// included; clients filter their own echo by the stamped From id. The
// envelope is marshalled once.
func (r *Room) fanout(t protocol.Type, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to encode fanout message")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal envelope")
		return
	}

	if r.relay != nil {
		r.relay.Publish(r.id, env)
	}
	broadcastsTotal.WithLabelValues(string(t)).Inc()

	r.mu.Lock()
	var slow []*client
	for _, c := range r.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()

	for _, c := range slow {
		log.Warn().
			Str("session_id", r.id).
			Str("client_id", c.id).
			Msg("send buffer full, dropping client")
		droppedClients.Inc()
		if c.conn != nil {
			c.conn.Close()
		}
	}
	// The evicted connection's read loop finds itself already removed
	// and stays quiet, so the departure is announced here.
	for _, c := range slow {
		r.fanout(protocol.TypeLeave, protocol.LeavePayload{ID: c.id})
	}
}

// sendTo delivers one message to a single client.
func (r *Room) sendTo(c *client, t protocol.Type, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to encode message")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal envelope")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client_id", c.id).Msg("send buffer full, dropping message")
	}
}

func decode(c *client, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		log.Warn().Err(err).Str("client_id", c.id).Msg("dropping malformed message")
		return false
	}
	return true
}
