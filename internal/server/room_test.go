package server

import (
	"encoding/json"
	"testing"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

func newTestClient(id string) *client {
	return &client{id: id, send: make(chan []byte, 32)}
}

// drain decodes every envelope queued on the client's send channel.
func drain(t *testing.T, c *client) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-c.send:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal envelope: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

// lastOfType returns the last queued envelope of the given type.
func lastOfType(t *testing.T, envs []protocol.Envelope, typ protocol.Type) protocol.Envelope {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			return envs[i]
		}
	}
	t.Fatalf("no %s envelope in %d queued messages", typ, len(envs))
	return protocol.Envelope{}
}

func hasType(envs []protocol.Envelope, typ protocol.Type) bool {
	for _, env := range envs {
		if env.Type == typ {
			return true
		}
	}
	return false
}

// elevate runs the GM password exchange for a joined client and drains
// the resulting acknowledgement and presence messages.
func elevate(t *testing.T, r *Room, c *client, password string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeGMAuth, protocol.GMAuthPayload{Password: password})
	if err != nil {
		t.Fatalf("encode gm auth: %v", err)
	}
	r.handle(c, env)

	res := lastOfType(t, drain(t, c), protocol.TypeGMAuthResult)
	var p protocol.GMAuthResultPayload
	if err := res.Decode(&p); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if !p.Success {
		t.Fatal("gm auth rejected with the correct password")
	}
}

func deliver(t *testing.T, r *Room, c *client, typ protocol.Type, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	r.handle(c, env)
}

func TestJoinMintsTokenAndSendsPresence(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)
	c := newTestClient("c1")

	// A claimed GM role in the join payload must not be honored.
	r.join(c, protocol.JoinPayload{Name: "ana", Role: protocol.RoleGM, SessionID: "s1"})
	envs := drain(t, c)

	var tok protocol.TokenPayload
	if err := lastOfType(t, envs, protocol.TypeToken).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("join minted no token")
	}

	var pres protocol.PresencePayload
	if err := lastOfType(t, envs, protocol.TypePresence).Decode(&pres); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(pres.Users) != 1 {
		t.Fatalf("presence has %d users, want 1", len(pres.Users))
	}
	if u := pres.Users[0]; u.ID != "c1" || u.Name != "ana" || u.Role != protocol.RolePlayer {
		t.Fatalf("presence user = %+v, want c1/ana/player", u)
	}

	var join protocol.JoinPayload
	if err := lastOfType(t, envs, protocol.TypeJoin).Decode(&join); err != nil {
		t.Fatalf("decode join broadcast: %v", err)
	}
	if join.From != "c1" || join.Role != protocol.RolePlayer {
		t.Fatalf("join broadcast = %+v", join)
	}

	// No retained state yet, so no state sync on join.
	if hasType(envs, protocol.TypeStateSync) {
		t.Fatal("state sync sent for an empty room")
	}
}

func TestJoinReplaysPresetScene(t *testing.T) {
	r := newRoom("s1", RoomPreset{Scene: "intro"}, nil)
	c := newTestClient("c1")

	r.join(c, protocol.JoinPayload{Name: "ana", SessionID: "s1"})

	var state protocol.StateSyncPayload
	if err := lastOfType(t, drain(t, c), protocol.TypeStateSync).Decode(&state); err != nil {
		t.Fatalf("decode state sync: %v", err)
	}
	if state.CurrentScene != "intro" {
		t.Fatalf("replayed scene = %q, want intro", state.CurrentScene)
	}
}

func TestTokenRedemptionRestoresIdentity(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)

	c1 := newTestClient("c1")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	var tok protocol.TokenPayload
	if err := lastOfType(t, drain(t, c1), protocol.TypeToken).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	elevate(t, r, c1, "secret")
	r.leave(c1)

	// Reconnect with the token and no name: both name and the GM
	// role come back from the stored identity.
	c2 := newTestClient("c2")
	r.join(c2, protocol.JoinPayload{Token: tok.Token, SessionID: "s1"})

	var join protocol.JoinPayload
	if err := lastOfType(t, drain(t, c2), protocol.TypeJoin).Decode(&join); err != nil {
		t.Fatalf("decode join broadcast: %v", err)
	}
	if join.Name != "ana" {
		t.Fatalf("restored name = %q, want ana", join.Name)
	}
	if join.Role != protocol.RoleGM {
		t.Fatalf("restored role = %q, want gm", join.Role)
	}
}

func TestTokenRedemptionDemotesWhenGMSeatTaken(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)

	c1 := newTestClient("c1")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	var tok protocol.TokenPayload
	if err := lastOfType(t, drain(t, c1), protocol.TypeToken).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	elevate(t, r, c1, "secret")
	r.leave(c1)

	c2 := newTestClient("c2")
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c2)
	elevate(t, r, c2, "secret")

	// ana's token still restores her name, but the GM seat is held.
	c3 := newTestClient("c3")
	r.join(c3, protocol.JoinPayload{Token: tok.Token, SessionID: "s1"})

	var join protocol.JoinPayload
	if err := lastOfType(t, drain(t, c3), protocol.TypeJoin).Decode(&join); err != nil {
		t.Fatalf("decode join broadcast: %v", err)
	}
	if join.Name != "ana" || join.Role != protocol.RolePlayer {
		t.Fatalf("join broadcast = %+v, want ana demoted to player", join)
	}
}

func TestSceneChangeRequiresGMRole(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	deliver(t, r, c1, protocol.TypeSceneChange, protocol.SceneChangePayload{Scene: "vault"})

	var errp protocol.ErrorPayload
	if err := lastOfType(t, drain(t, c1), protocol.TypeError).Decode(&errp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errp.Message == "" {
		t.Fatal("rejection carried no message")
	}
	if envs := drain(t, c2); hasType(envs, protocol.TypeSceneChange) {
		t.Fatal("rejected scene change still fanned out")
	}
	if r.scene != "" {
		t.Fatalf("scene = %q after rejected change", r.scene)
	}

	elevate(t, r, c1, "secret")
	drain(t, c2)
	deliver(t, r, c1, protocol.TypeSceneChange, protocol.SceneChangePayload{Scene: "vault", Transition: "fade"})

	var sc protocol.SceneChangePayload
	if err := lastOfType(t, drain(t, c2), protocol.TypeSceneChange).Decode(&sc); err != nil {
		t.Fatalf("decode scene change: %v", err)
	}
	if sc.From != "c1" || sc.Scene != "vault" || sc.Transition != "fade" {
		t.Fatalf("scene change = %+v", sc)
	}
	if r.scene != "vault" {
		t.Fatalf("room scene = %q, want vault", r.scene)
	}
}

func TestGMAuthRejectsWrongPassword(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)
	c := newTestClient("c1")
	r.join(c, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	drain(t, c)

	deliver(t, r, c, protocol.TypeGMAuth, protocol.GMAuthPayload{Password: "wrong"})

	var res protocol.GMAuthResultPayload
	if err := lastOfType(t, drain(t, c), protocol.TypeGMAuthResult).Decode(&res); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if res.Success {
		t.Fatal("wrong password accepted")
	}
}

func TestGMAuthDisabledWithoutPassword(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c := newTestClient("c1")
	r.join(c, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	drain(t, c)

	// With no configured secret, even an empty password must fail.
	deliver(t, r, c, protocol.TypeGMAuth, protocol.GMAuthPayload{Password: ""})

	var res protocol.GMAuthResultPayload
	if err := lastOfType(t, drain(t, c), protocol.TypeGMAuthResult).Decode(&res); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if res.Success {
		t.Fatal("gm auth succeeded in a room with no password")
	}
}

func TestGMSeatIsUnique(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	elevate(t, r, c1, "secret")
	drain(t, c2)
	elevate(t, r, c2, "secret")

	var pres protocol.PresencePayload
	if err := lastOfType(t, drain(t, c1), protocol.TypePresence).Decode(&pres); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	roles := map[string]protocol.Role{}
	for _, u := range pres.Users {
		roles[u.ID] = u.Role
	}
	if roles["c1"] != protocol.RolePlayer || roles["c2"] != protocol.RoleGM {
		t.Fatalf("roles after second auth = %v, want c1 demoted", roles)
	}
}

func TestGMLogoutBroadcastsPresence(t *testing.T) {
	r := newRoom("s1", RoomPreset{GMPassword: "secret"}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	elevate(t, r, c1, "secret")
	drain(t, c1)
	drain(t, c2)

	deliver(t, r, c1, protocol.TypeGMLogout, nil)

	var pres protocol.PresencePayload
	if err := lastOfType(t, drain(t, c2), protocol.TypePresence).Decode(&pres); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	for _, u := range pres.Users {
		if u.Role == protocol.RoleGM {
			t.Fatalf("gm still present after logout: %+v", pres.Users)
		}
	}
}

func TestChatStampsSenderAndRole(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	// A forged From must be overwritten with the connection id.
	deliver(t, r, c1, protocol.TypeChat, protocol.ChatPayload{From: "spoof", Name: "ana", Text: "hi", Kind: "say"})

	var chat protocol.ChatPayload
	if err := lastOfType(t, drain(t, c2), protocol.TypeChat).Decode(&chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.From != "c1" {
		t.Fatalf("chat From = %q, want c1", chat.From)
	}
	if chat.Role != protocol.RolePlayer {
		t.Fatalf("chat Role = %q, want player", chat.Role)
	}

	// The sender hears its own message too and filters it locally.
	if !hasType(drain(t, c1), protocol.TypeChat) {
		t.Fatal("chat not echoed to sender")
	}
}

func TestEchoRespondsToSenderOnly(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	deliver(t, r, c1, protocol.TypeEchoRequest, protocol.EchoPayload{Token: "probe-1", SentAt: 123})

	var echo protocol.EchoPayload
	if err := lastOfType(t, drain(t, c1), protocol.TypeEchoResponse).Decode(&echo); err != nil {
		t.Fatalf("decode echo response: %v", err)
	}
	if echo.Token != "probe-1" || echo.SentAt != 123 {
		t.Fatalf("echo response = %+v, want verbatim copy", echo)
	}
	if envs := drain(t, c2); hasType(envs, protocol.TypeEchoResponse) {
		t.Fatal("echo response leaked to another client")
	}
}

func TestPingAnswersWithPong(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c := newTestClient("c1")
	r.join(c, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	drain(t, c)

	deliver(t, r, c, protocol.TypePing, protocol.PingPayload{SentAt: 456})

	var pong protocol.PongPayload
	if err := lastOfType(t, drain(t, c), protocol.TypePong).Decode(&pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.SentAt != 456 {
		t.Fatalf("pong SentAt = %d, want 456", pong.SentAt)
	}
}

func TestStateRequestReplaysRetainedState(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	deliver(t, r, c1, protocol.TypeNPCState, protocol.NPCStatePayload{
		NPCID: "goblin-1", State: json.RawMessage(`{"hp":4}`),
	})
	deliver(t, r, c1, protocol.TypeFlagUpdate, protocol.FlagUpdatePayload{Key: "door_open", Value: true})
	drain(t, c2)

	deliver(t, r, c2, protocol.TypeStateRequest, nil)

	var state protocol.StateSyncPayload
	if err := lastOfType(t, drain(t, c2), protocol.TypeStateSync).Decode(&state); err != nil {
		t.Fatalf("decode state sync: %v", err)
	}
	if string(state.NPCStates["goblin-1"]) != `{"hp":4}` {
		t.Fatalf("npc state = %s", state.NPCStates["goblin-1"])
	}
	if v, ok := state.Flags["door_open"].(bool); !ok || !v {
		t.Fatalf("flag = %v", state.Flags["door_open"])
	}
}

func TestLeaveAnnouncedOnce(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)
	drain(t, c2)

	r.leave(c1)
	var leave protocol.LeavePayload
	if err := lastOfType(t, drain(t, c2), protocol.TypeLeave).Decode(&leave); err != nil {
		t.Fatalf("decode leave: %v", err)
	}
	if leave.ID != "c1" {
		t.Fatalf("leave ID = %q, want c1", leave.ID)
	}

	r.leave(c1)
	if envs := drain(t, c2); hasType(envs, protocol.TypeLeave) {
		t.Fatal("duplicate leave announced twice")
	}
}

func TestEvictedClientAnnouncedAsLeaving(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	r.join(c1, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	r.join(c2, protocol.JoinPayload{Name: "ben", SessionID: "s1"})
	drain(t, c1)

	// Fill c2's send buffer so the next fanout evicts it.
	for len(c2.send) < cap(c2.send) {
		c2.send <- []byte("{}")
	}
	deliver(t, r, c1, protocol.TypeChat, protocol.ChatPayload{Name: "ana", Text: "hi"})

	var leave protocol.LeavePayload
	if err := lastOfType(t, drain(t, c1), protocol.TypeLeave).Decode(&leave); err != nil {
		t.Fatalf("decode leave: %v", err)
	}
	if leave.ID != "c2" {
		t.Fatalf("leave ID = %q, want the evicted c2", leave.ID)
	}

	// The evicted connection's own read loop still tears down; that
	// must not announce the departure a second time.
	r.leave(c2)
	if envs := drain(t, c1); hasType(envs, protocol.TypeLeave) {
		t.Fatal("eviction announced twice")
	}
}

func TestUnknownTypeAnsweredWithError(t *testing.T) {
	r := newRoom("s1", RoomPreset{}, nil)
	c := newTestClient("c1")
	r.join(c, protocol.JoinPayload{Name: "ana", SessionID: "s1"})
	drain(t, c)

	r.handle(c, protocol.Envelope{Type: protocol.Type("teleport")})

	if !hasType(drain(t, c), protocol.TypeError) {
		t.Fatal("unknown message type not answered with an error")
	}
}

func TestRoomForReusesRooms(t *testing.T) {
	h := NewHub(Config{
		DefaultGMPassword: "fallback",
		Presets: map[string]RoomPreset{
			"prepped": {GMPassword: "override", Scene: "intro"},
		},
		Connection: DefaultConnectionConfig(),
	}, nil)

	a := h.RoomFor("prepped")
	if a != h.RoomFor("prepped") {
		t.Fatal("RoomFor created a second room for the same session")
	}
	if a.gmPassword != "override" || a.scene != "intro" {
		t.Fatalf("preset not applied: password=%q scene=%q", a.gmPassword, a.scene)
	}

	b := h.RoomFor("adhoc")
	if b.gmPassword != "fallback" {
		t.Fatalf("default password not applied: %q", b.gmPassword)
	}
}
