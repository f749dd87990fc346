package session

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// probe is one in-flight echo self-test. Completion and supersession
// are a single transition: whoever clears Manager.probe also closes
// cancel and stops the timer, so a matching response and the timeout
// can never both fire for the same probe.
type probe struct {
	token  string
	timer  clockwork.Timer
	cancel chan struct{}
}

// RunSelfTest sends a fresh echo token through the transport and
// verifies it comes back within the configured deadline. The probe
// distinguishes a healthy transport from one that connects but never
// delivers, as happens behind a buffering reverse proxy. A call while
// a probe is pending abandons the old probe; at most one is ever in
// flight.
func (m *Manager) RunSelfTest() {
	token := uuid.New().String()
	now := m.clock.Now()

	m.mu.Lock()
	if m.probe != nil {
		m.log.Debug().Msg("superseding pending self-test probe")
		m.cancelProbeLocked()
	}
	m.selfTestPassed = false
	p := &probe{
		token:  token,
		timer:  m.clock.NewTimer(m.selfTestTimeout),
		cancel: make(chan struct{}),
	}
	m.probe = p
	m.mu.Unlock()

	m.send(protocol.TypeEchoRequest, protocol.EchoPayload{Token: token, SentAt: now.UnixMilli()})
	go m.watchProbe(p)
}

// SelfTestPassed reports whether the most recent probe round-tripped.
func (m *Manager) SelfTestPassed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfTestPassed
}

func (m *Manager) watchProbe(p *probe) {
	select {
	case <-p.cancel:
		return
	case <-m.done:
		return
	case <-p.timer.Chan():
	}

	m.mu.Lock()
	if m.probe != p {
		// Superseded or completed between fire and lock.
		m.mu.Unlock()
		return
	}
	m.probe = nil
	connected := m.conn.Connected
	m.mu.Unlock()

	if connected {
		// Connected but the echo never returned: the usual culprit
		// is an intermediary buffering the stream. The session may
		// still be partially usable, so don't alarm the user.
		m.log.Warn().Msg("self-test echo lost while connected, suspecting proxy buffering")
		m.publish(Event{Kind: EventSelfTestFailed, Reason: "proxy", Silent: true})
		return
	}

	m.log.Warn().Msg("self-test timed out without a connection")
	m.publish(Event{Kind: EventSelfTestFailed, Reason: "timeout"})
}

func (m *Manager) handleEchoResponse(p protocol.EchoPayload) {
	m.mu.Lock()
	pending := m.probe
	if pending == nil || pending.token != p.Token {
		m.mu.Unlock()
		m.log.Debug().Msg("echo response for a stale probe, ignoring")
		return
	}
	m.cancelProbeLocked()
	m.selfTestPassed = true
	m.mu.Unlock()

	latency := m.clock.Now().UnixMilli() - p.SentAt
	m.log.Info().Int64("latency_ms", latency).Msg("self-test passed")
	m.publish(Event{Kind: EventSelfTestPassed, LatencyMS: latency})
}

// cancelProbeLocked clears the pending probe, stopping its timer and
// releasing its watcher. Callers hold m.mu.
func (m *Manager) cancelProbeLocked() {
	p := m.probe
	if p == nil {
		return
	}
	m.probe = nil
	close(p.cancel)
	stopAndDrainTimer(p.timer)
}

// stopAndDrainTimer stops a timer and drains an already-fired channel
// so no watcher sees a stale tick.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
