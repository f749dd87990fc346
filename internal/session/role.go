package session

import (
	"context"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// AuthenticateAsGM asks the server to elevate this client to GM using
// the session's shared secret. The local role flips only after the
// server acknowledges success, never optimistically. The boolean
// result carries an authorization failure; errors are reserved for
// transport problems. At most one exchange is outstanding: a second
// call resolves the first as false.
func (m *Manager) AuthenticateAsGM(ctx context.Context, password string) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if !m.conn.Connected {
		m.mu.Unlock()
		return false, ErrNotConnected
	}
	if m.authWait != nil {
		m.authWait <- false
	}
	ch := make(chan bool, 1)
	m.authWait = ch
	m.mu.Unlock()

	if !m.send(protocol.TypeGMAuth, protocol.GMAuthPayload{Password: password}) {
		m.clearAuthWait(ch)
		return false, ErrNotConnected
	}

	select {
	case ok := <-ch:
		return ok, nil
	case <-ctx.Done():
		// The caller stopped caring; a late acknowledgement is
		// simply ignored.
		m.clearAuthWait(ch)
		return false, ctx.Err()
	case <-m.done:
		return false, ErrClosed
	}
}

func (m *Manager) clearAuthWait(ch chan bool) {
	m.mu.Lock()
	if m.authWait == ch {
		m.authWait = nil
	}
	m.mu.Unlock()
}

func (m *Manager) handleAuthResult(success bool) {
	m.mu.Lock()
	ch := m.authWait
	m.authWait = nil
	if success {
		m.local.Role = protocol.RoleGM
	}
	m.mu.Unlock()

	if ch != nil {
		ch <- success
	}
	if success {
		m.log.Info().Msg("gm authenticated")
		m.publish(Event{Kind: EventGMAuthenticated})
	}
}

// Logout drops the GM role immediately and notifies the server without
// waiting for an acknowledgement. The server re-validates role on
// every privileged action regardless.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.local.Role = protocol.RolePlayer
	connected := m.conn.Connected
	m.mu.Unlock()

	if connected {
		m.send(protocol.TypeGMLogout, nil)
	}
}
