// Package protocol defines the wire messages exchanged between a
// tabletop client and the session server. Every message travels as an
// Envelope: a type tag plus a JSON payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientIDHeader carries the server-assigned connection id in the
// websocket upgrade response, so the client knows its own id before
// the first message arrives.
const ClientIDHeader = "X-Phosphor-Client-Id"

// Type identifies a wire message. The string values double as channel
// names on the wire.
type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypePresence     Type = "presence"
	TypeViewChange   Type = "view_change"
	TypeChat         Type = "chat"
	TypeRoll         Type = "roll"
	TypeSceneChange  Type = "scene_change"
	TypeStateSync    Type = "state_sync"
	TypeStateRequest Type = "state_request"
	TypeToken        Type = "token"
	TypeNPCState     Type = "npc_state"
	TypeFlagUpdate   Type = "flag_update"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeEchoRequest  Type = "echo_request"
	TypeEchoResponse Type = "echo_response"
	TypeError        Type = "error"
	TypeGMAuth       Type = "gm_authenticate"
	TypeGMAuthResult Type = "gm_auth_result"
	TypeGMLogout     Type = "gm_logout"
)

// Role is a participant's privilege level within a session.
type Role string

const (
	RolePlayer Role = "player"
	RoleGM     Role = "gm"
)

// View is the UI mode a participant is currently in. It is broadcast
// for awareness only, never enforced.
type View string

const (
	ViewScene    View = "scene"
	ViewTerminal View = "terminal"
)

// Envelope is the wire unit: a message type and its payload.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the given type.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Peer is the visible metadata of one session participant.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
	View View   `json:"view"`
}

// JoinPayload announces a participant. Client to server it carries the
// joiner's self-description plus an optional reconnection token; the
// server stamps From before fanning it out.
type JoinPayload struct {
	From      string `json:"from,omitempty"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	View      View   `json:"view"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token,omitempty"`
}

// LeavePayload announces a departed participant.
type LeavePayload struct {
	ID string `json:"id"`
}

// PresencePayload is the authoritative full snapshot of a session's
// participants.
type PresencePayload struct {
	Users []Peer `json:"users"`
}

// ViewChangePayload reports a participant switching UI mode. Client to
// server it omits ID; the server fills it in before broadcasting.
type ViewChangePayload struct {
	ID   string `json:"id,omitempty"`
	View View   `json:"view"`
}

// ChatPayload is one chat line. Kind distinguishes plain speech from
// emotes and system lines.
type ChatPayload struct {
	From      string `json:"from,omitempty"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Kind      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// RollPayload is one dice roll result.
type RollPayload struct {
	From       string `json:"from,omitempty"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Total      int    `json:"total"`
	Kept       []int  `json:"kept,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// SceneChangePayload switches the shared scene. GM only.
type SceneChangePayload struct {
	From       string `json:"from,omitempty"`
	Scene      string `json:"scene"`
	Transition string `json:"transition,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// StateSyncPayload replays retained session state to a late joiner.
type StateSyncPayload struct {
	CurrentScene string                     `json:"currentScene,omitempty"`
	NPCStates    map[string]json.RawMessage `json:"npcStates,omitempty"`
	Flags        map[string]any             `json:"flags,omitempty"`
}

// TokenPayload carries a server-minted reconnection token.
type TokenPayload struct {
	Token string `json:"token"`
}

// NPCStatePayload updates one NPC's shared state.
type NPCStatePayload struct {
	From      string          `json:"from,omitempty"`
	NPCID     string          `json:"npcId"`
	State     json.RawMessage `json:"state,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// FlagUpdatePayload sets one shared campaign flag.
type FlagUpdatePayload struct {
	From      string `json:"from,omitempty"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// PingPayload and PongPayload carry the sender's send time in
// milliseconds since epoch. No correlation id: overlapping pings are
// last-write-wins on the measured latency.
type PingPayload struct {
	SentAt int64 `json:"sentAt"`
}

// PongPayload echoes the ping's send time.
type PongPayload struct {
	SentAt int64 `json:"sentAt"`
}

// EchoPayload is the self-test probe, echoed back verbatim by the
// server to the probing client only.
type EchoPayload struct {
	Token  string `json:"token"`
	SentAt int64  `json:"sentAt"`
}

// ErrorPayload is a server-reported error, forwarded to subscribers
// verbatim.
type ErrorPayload struct {
	Message string `json:"message"`
}

// GMAuthPayload carries the shared GM secret.
type GMAuthPayload struct {
	Password string `json:"password"`
}

// GMAuthResultPayload acknowledges a GM authentication attempt.
type GMAuthResultPayload struct {
	Success bool `json:"success"`
}
