package session

import (
	"encoding/json"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// Broadcasts are best-effort: while disconnected they log a warning
// and drop the payload instead of queueing it, since a user click
// racing a disconnect is normal and must not crash the session. The
// server stamps the sender id on fan-out; clients never set From
// themselves, which keeps it unspoofable.

// BroadcastChat sends one chat line. Kind distinguishes speech from
// emotes and system lines; pass "" for plain speech.
func (m *Manager) BroadcastChat(text, kind string) {
	m.mu.RLock()
	connected := m.conn.Connected
	p := protocol.ChatPayload{
		Name:      m.local.Name,
		Role:      m.local.Role,
		Text:      text,
		Kind:      kind,
		Timestamp: m.clock.Now().UnixMilli(),
	}
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Msg("not connected, dropping chat broadcast")
		return
	}
	m.send(protocol.TypeChat, p)
}

// BroadcastRoll shares a dice roll result with the session.
func (m *Manager) BroadcastRoll(expression string, rolls, kept []int, total int) {
	m.mu.RLock()
	connected := m.conn.Connected
	p := protocol.RollPayload{
		Name:       m.local.Name,
		Expression: expression,
		Rolls:      append([]int(nil), rolls...),
		Kept:       append([]int(nil), kept...),
		Total:      total,
		Timestamp:  m.clock.Now().UnixMilli(),
	}
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Msg("not connected, dropping roll broadcast")
		return
	}
	m.send(protocol.TypeRoll, p)
}

// BroadcastViewChange records the local UI mode and announces it. The
// local view updates even while disconnected; only the announcement is
// dropped.
func (m *Manager) BroadcastViewChange(view protocol.View) {
	m.mu.Lock()
	m.local.View = view
	connected := m.conn.Connected
	m.mu.Unlock()

	if !connected {
		m.log.Warn().Msg("not connected, dropping view change broadcast")
		return
	}
	m.send(protocol.TypeViewChange, protocol.ViewChangePayload{View: view})
}

// BroadcastSceneChange switches the shared scene. The GM check here is
// a convenience guard for the UI, not a security boundary: the server
// re-validates the sender's role on every scene change.
func (m *Manager) BroadcastSceneChange(scene, transition string) {
	m.mu.RLock()
	connected := m.conn.Connected
	role := m.local.Role
	ts := m.clock.Now().UnixMilli()
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Str("scene", scene).Msg("not connected, dropping scene change")
		return
	}
	if role != protocol.RoleGM {
		m.log.Warn().Str("scene", scene).Msg("scene change requires gm role, dropping")
		return
	}
	m.send(protocol.TypeSceneChange, protocol.SceneChangePayload{
		Scene:      scene,
		Transition: transition,
		Timestamp:  ts,
	})
}

// BroadcastNPCState shares one NPC's state blob with the session.
func (m *Manager) BroadcastNPCState(npcID string, state json.RawMessage) {
	m.mu.RLock()
	connected := m.conn.Connected
	ts := m.clock.Now().UnixMilli()
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Str("npc_id", npcID).Msg("not connected, dropping npc state broadcast")
		return
	}
	m.send(protocol.TypeNPCState, protocol.NPCStatePayload{
		NPCID:     npcID,
		State:     state,
		Timestamp: ts,
	})
}

// BroadcastFlagUpdate sets one shared campaign flag.
func (m *Manager) BroadcastFlagUpdate(key string, value any) {
	m.mu.RLock()
	connected := m.conn.Connected
	ts := m.clock.Now().UnixMilli()
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Str("key", key).Msg("not connected, dropping flag update")
		return
	}
	m.send(protocol.TypeFlagUpdate, protocol.FlagUpdatePayload{
		Key:       key,
		Value:     value,
		Timestamp: ts,
	})
}

// RequestState asks the server to replay retained scene, NPC and flag
// state, typically after joining late or reconnecting.
func (m *Manager) RequestState() {
	m.mu.RLock()
	connected := m.conn.Connected
	m.mu.RUnlock()

	if !connected {
		m.log.Warn().Msg("not connected, dropping state request")
		return
	}
	m.send(protocol.TypeStateRequest, nil)
}
