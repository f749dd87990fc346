// Package session implements the multiplayer session synchronization
// core of a virtual tabletop client: connection lifecycle, presence
// reconciliation, transport self-testing, GM role authority and typed
// best-effort broadcasts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
	"github.com/phosphorvtt/phosphor/internal/tokenstore"
)

var (
	// ErrNotConnected is returned by operations that need a live
	// connection and cannot degrade to a silent no-op.
	ErrNotConnected = errors.New("session: not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("session: manager closed")
)

// DefaultSelfTestTimeout bounds how long the echo probe waits before
// classifying the transport as degraded.
const DefaultSelfTestTimeout = 5 * time.Second

const subscriberBuffer = 64

// Options configure a Manager.
type Options struct {
	// Name is the participant's display name.
	Name string
	// SessionID identifies the shared session to join.
	SessionID string
	// Transport carries envelopes to and from the session server.
	Transport Transport
	// TokenStore persists the reconnection token. Defaults to an
	// in-memory store.
	TokenStore tokenstore.Store
	// SelfTest enables the echo probe after each fresh connection.
	SelfTest bool
	// SelfTestTimeout overrides DefaultSelfTestTimeout.
	SelfTestTimeout time.Duration
	// Clock defaults to the real clock. Tests inject a fake one.
	Clock clockwork.Clock
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// LocalState is the client's own view of itself within the session.
type LocalState struct {
	ID        string
	Token     string
	Name      string
	Role      protocol.Role
	View      protocol.View
	SessionID string
}

// ConnectionState tracks transport health as observed by the core.
type ConnectionState struct {
	Connected    bool
	Reconnecting bool
	LatencyMS    int64
}

// Manager synchronizes one client with one shared session. Construct
// one per session with NewManager; Connect and Disconnect bound its
// lifetime. All state handed out by its query methods is a copy.
type Manager struct {
	transport Transport
	tokens    tokenstore.Store
	clock     clockwork.Clock
	log       zerolog.Logger

	selfTestEnabled bool
	selfTestTimeout time.Duration

	mu             sync.RWMutex
	local          LocalState
	conn           ConnectionState
	lastPingSentAt time.Time
	registry       *registry
	probe          *probe
	selfTestPassed bool
	authWait       chan bool
	subs           []chan Event
	started        bool
	closed         bool

	done chan struct{}
}

// NewManager builds a Manager from opts. Transport and SessionID are
// required; everything else has a usable default.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session: session id is required")
	}

	tokens := opts.TokenStore
	if tokens == nil {
		tokens = tokenstore.NewMemoryStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := log.With().Str("component", "session").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	timeout := opts.SelfTestTimeout
	if timeout <= 0 {
		timeout = DefaultSelfTestTimeout
	}

	return &Manager{
		transport:       opts.Transport,
		tokens:          tokens,
		clock:           clock,
		log:             logger,
		selfTestEnabled: opts.SelfTest,
		selfTestTimeout: timeout,
		local: LocalState{
			Name:      opts.Name,
			Role:      protocol.RolePlayer,
			View:      protocol.ViewScene,
			SessionID: opts.SessionID,
		},
		registry: newRegistry(),
		done:     make(chan struct{}),
	}, nil
}

// Connect opens the transport and starts the event loop. Calling it a
// second time logs a warning and returns nil; the manager holds one
// connection for its whole lifetime.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		m.log.Warn().Msg("connect called twice, ignoring")
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()

	if err := m.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// Disconnect closes the transport and stops the event loop. Presence
// and local state are preserved so callers can keep rendering the last
// known session.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.conn.Connected = false
	m.cancelProbeLocked()
	close(m.done)
	m.mu.Unlock()

	return m.transport.Close()
}

// loop is the single event-processing context: every state mutation
// driven by the transport happens here.
func (m *Manager) loop() {
	events := m.transport.Events()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case TransportConnected:
				m.handleConnected(ev.ClientID)
			case TransportDisconnected:
				m.handleDisconnected(ev.Reason)
			case TransportReconnecting:
				m.handleReconnecting()
			case TransportMessage:
				m.dispatch(ev.Envelope)
			}
		}
	}
}

func (m *Manager) handleConnected(clientID string) {
	m.mu.Lock()
	m.local.ID = clientID
	m.conn.Connected = true
	m.conn.Reconnecting = false
	token := m.tokens.Load()
	m.local.Token = token
	join := protocol.JoinPayload{
		Name:      m.local.Name,
		Role:      m.local.Role,
		View:      m.local.View,
		SessionID: m.local.SessionID,
		Token:     token,
	}
	m.mu.Unlock()

	m.log.Info().
		Str("client_id", clientID).
		Str("session_id", join.SessionID).
		Bool("has_token", token != "").
		Msg("session connected")

	m.send(protocol.TypeJoin, join)
	if m.selfTestEnabled {
		m.RunSelfTest()
	}
	m.publish(Event{Kind: EventConnected})
}

func (m *Manager) handleDisconnected(reason string) {
	m.mu.Lock()
	m.conn.Connected = false
	m.mu.Unlock()

	m.log.Warn().Str("reason", reason).Msg("session disconnected")
	m.publish(Event{Kind: EventDisconnected, Reason: reason})
}

func (m *Manager) handleReconnecting() {
	m.mu.Lock()
	m.conn.Reconnecting = true
	m.mu.Unlock()

	m.publish(Event{Kind: EventReconnecting})
}

// dispatch routes one inbound envelope. Malformed payloads are dropped
// with a warning; nothing on this path is fatal.
func (m *Manager) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePresence:
		var p protocol.PresencePayload
		if !m.decode(env, &p) {
			return
		}
		m.mu.Lock()
		// The snapshot carries the server's authoritative view of
		// this client too: adopt the name and role it has on record,
		// which may come from a redeemed reconnection token.
		for _, u := range p.Users {
			if u.ID == m.local.ID {
				m.local.Role = u.Role
				if u.Name != "" {
					m.local.Name = u.Name
				}
				break
			}
		}
		m.registry.applySnapshot(m.local.ID, p.Users)
		peers := m.registry.snapshot()
		m.mu.Unlock()
		m.publish(Event{Kind: EventPresence, Peers: peers})

	case protocol.TypeJoin:
		var p protocol.JoinPayload
		if !m.decode(env, &p) {
			return
		}
		peer := protocol.Peer{ID: p.From, Name: p.Name, Role: p.Role, View: p.View}
		m.mu.Lock()
		added := m.registry.add(m.local.ID, peer)
		m.mu.Unlock()
		if added {
			m.publish(Event{Kind: EventPeerJoined, Peer: &peer})
		}

	case protocol.TypeLeave:
		var p protocol.LeavePayload
		if !m.decode(env, &p) {
			return
		}
		m.mu.Lock()
		peer, removed := m.registry.remove(p.ID)
		m.mu.Unlock()
		if removed {
			m.publish(Event{Kind: EventPeerLeft, Peer: &peer})
		}

	case protocol.TypeViewChange:
		var p protocol.ViewChangePayload
		if !m.decode(env, &p) {
			return
		}
		m.mu.Lock()
		peer, known := m.registry.setView(p.ID, p.View)
		m.mu.Unlock()
		if known {
			m.publish(Event{Kind: EventViewChanged, Peer: &peer})
		}

	case protocol.TypeChat:
		var p protocol.ChatPayload
		if !m.decode(env, &p) || m.isSelf(p.From) {
			return
		}
		m.publish(Event{Kind: EventChat, Chat: &p})

	case protocol.TypeRoll:
		var p protocol.RollPayload
		if !m.decode(env, &p) || m.isSelf(p.From) {
			return
		}
		m.publish(Event{Kind: EventRoll, Roll: &p})

	case protocol.TypeSceneChange:
		var p protocol.SceneChangePayload
		if !m.decode(env, &p) || m.isSelf(p.From) {
			return
		}
		m.publish(Event{Kind: EventSceneChanged, Scene: &p})

	case protocol.TypeNPCState:
		var p protocol.NPCStatePayload
		if !m.decode(env, &p) || m.isSelf(p.From) {
			return
		}
		m.publish(Event{Kind: EventNPCState, NPC: &p})

	case protocol.TypeFlagUpdate:
		var p protocol.FlagUpdatePayload
		if !m.decode(env, &p) || m.isSelf(p.From) {
			return
		}
		m.publish(Event{Kind: EventFlagUpdate, Flag: &p})

	case protocol.TypeStateSync:
		var p protocol.StateSyncPayload
		if !m.decode(env, &p) {
			return
		}
		m.publish(Event{Kind: EventStateSync, State: &p})

	case protocol.TypeToken:
		var p protocol.TokenPayload
		if !m.decode(env, &p) {
			return
		}
		m.tokens.Store(p.Token)
		m.mu.Lock()
		m.local.Token = p.Token
		m.mu.Unlock()
		m.log.Debug().Msg("stored session token")

	case protocol.TypePong:
		m.mu.Lock()
		if !m.lastPingSentAt.IsZero() {
			m.conn.LatencyMS = m.clock.Since(m.lastPingSentAt).Milliseconds()
		}
		latency := m.conn.LatencyMS
		m.mu.Unlock()
		m.publish(Event{Kind: EventLatency, LatencyMS: latency})

	case protocol.TypeEchoResponse:
		var p protocol.EchoPayload
		if !m.decode(env, &p) {
			return
		}
		m.handleEchoResponse(p)

	case protocol.TypeGMAuthResult:
		var p protocol.GMAuthResultPayload
		if !m.decode(env, &p) {
			return
		}
		m.handleAuthResult(p.Success)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if !m.decode(env, &p) {
			return
		}
		m.log.Warn().Str("message", p.Message).Msg("server reported an error")
		m.publish(Event{Kind: EventServerError, Message: p.Message})

	default:
		m.log.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected message")
	}
}

func (m *Manager) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		m.log.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping malformed message")
		return false
	}
	return true
}

// isSelf reports whether from is this client's own id, i.e. the
// sender's message looped back by the broadcast fan-out.
func (m *Manager) isSelf(from string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return from != "" && from == m.local.ID
}

// send encodes and transmits one message, logging instead of failing:
// sends are best-effort by contract.
func (m *Manager) send(t protocol.Type, payload any) bool {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		m.log.Error().Err(err).Str("type", string(t)).Msg("failed to encode message")
		return false
	}
	if err := m.transport.Send(env); err != nil {
		m.log.Warn().Err(err).Str("type", string(t)).Msg("failed to send message")
		return false
	}
	return true
}

// Subscribe returns a channel of session events. Slow subscribers have
// events dropped rather than blocking the core.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.mu.RLock()
	subs := append([]chan Event(nil), m.subs...)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn().Str("event", string(ev.Kind)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Ping stamps the send time and measures round trip on the returning
// pong. There is no correlation id: overlapping pings resolve
// last-write-wins, a known limitation of the wire protocol.
func (m *Manager) Ping() {
	m.mu.Lock()
	if !m.conn.Connected {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.lastPingSentAt = now
	m.mu.Unlock()

	m.send(protocol.TypePing, protocol.PingPayload{SentAt: now.UnixMilli()})
}

// SetName updates the local display name. It takes effect on the next
// join; peers are not notified retroactively.
func (m *Manager) SetName(name string) {
	m.mu.Lock()
	m.local.Name = name
	m.mu.Unlock()
}

// ClearToken drops the persisted reconnection token; the next join
// starts a fresh identity.
func (m *Manager) ClearToken() {
	m.tokens.Clear()
	m.mu.Lock()
	m.local.Token = ""
	m.mu.Unlock()
}

// Local returns a copy of the client's own state.
func (m *Manager) Local() LocalState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

// Connection returns a copy of the connection state.
func (m *Manager) Connection() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Connected reports whether the transport is currently up.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn.Connected
}

// Peers returns a snapshot copy of all remote participants.
func (m *Manager) Peers() []protocol.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.snapshot()
}

// GMView returns the GM's current view, if a GM peer is present.
func (m *Manager) GMView() (protocol.View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.gmView()
}

// PlayerViews maps player id to display name and view for every
// non-GM peer.
func (m *Manager) PlayerViews() map[string]PlayerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.playerViews()
}
