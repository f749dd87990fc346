package session

import "github.com/phosphorvtt/phosphor/internal/protocol"

// EventKind identifies a session event delivered to subscribers.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReconnecting    EventKind = "reconnecting"
	EventPeerJoined      EventKind = "peer_joined"
	EventPeerLeft        EventKind = "peer_left"
	EventPresence        EventKind = "presence"
	EventViewChanged     EventKind = "view_changed"
	EventChat            EventKind = "chat"
	EventRoll            EventKind = "roll"
	EventSceneChanged    EventKind = "scene_changed"
	EventStateSync       EventKind = "state_sync"
	EventNPCState        EventKind = "npc_state"
	EventFlagUpdate      EventKind = "flag_update"
	EventLatency         EventKind = "latency"
	EventSelfTestPassed  EventKind = "self_test_passed"
	EventSelfTestFailed  EventKind = "self_test_failed"
	EventGMAuthenticated EventKind = "gm_authenticated"
	EventServerError     EventKind = "server_error"
)

// Event is what the Manager publishes to subscribers. Only the fields
// relevant to Kind are populated; slices and structs are copies, never
// live references into the core's state.
type Event struct {
	Kind EventKind

	// Reason explains a disconnect or self-test failure ("proxy"
	// when the transport is connected but the echo never returned,
	// "timeout" otherwise).
	Reason string
	// Silent marks a failure that should not be surfaced to the
	// user, such as a suspected proxy-buffered echo.
	Silent bool
	// LatencyMS carries the measured round trip for latency and
	// self-test-passed events.
	LatencyMS int64
	// Message carries a server-reported error verbatim.
	Message string

	Peer  *protocol.Peer
	Peers []protocol.Peer
	Chat  *protocol.ChatPayload
	Roll  *protocol.RollPayload
	Scene *protocol.SceneChangePayload
	State *protocol.StateSyncPayload
	NPC   *protocol.NPCStatePayload
	Flag  *protocol.FlagUpdatePayload
}
