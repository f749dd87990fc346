// Package wstransport is the websocket implementation of the session
// transport. It owns dialing, the read loop and the reconnect/backoff
// policy; the session core only observes the lifecycle signals it
// emits.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
	"github.com/phosphorvtt/phosphor/internal/session"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("wstransport: not connected")

// Config holds websocket transport settings.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// DialTimeout bounds each dial attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration
	// ReconnectWait is the pause between redial attempts.
	ReconnectWait time.Duration
	// MaxReconnects caps redial attempts after a drop; -1 retries
	// forever.
	MaxReconnects int
	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultConfig returns the settings used by the stock client.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Transport is a reconnecting websocket connection. It implements
// session.Transport.
type Transport struct {
	cfg    Config
	events chan session.TransportEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	done chan struct{}
}

// New creates a transport; Connect establishes the connection.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		events: make(chan session.TransportEvent, 256),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint once and starts the read loop. Later
// drops are retried internally per Config; only the first dial's
// failure is returned to the caller.
func (t *Transport) Connect(ctx context.Context) error {
	conn, id, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return errors.New("wstransport: closed")
	}
	t.conn = conn
	t.mu.Unlock()

	t.emit(session.TransportEvent{Kind: session.TransportConnected, ClientID: id})
	go t.readLoop(conn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	id := resp.Header.Get(protocol.ClientIDHeader)
	if id == "" {
		log.Warn().Str("url", t.cfg.URL).Msg("upgrade response carried no client id")
	}
	return conn, id, nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			t.conn = nil
			closed := t.closed
			t.mu.Unlock()

			if closed {
				return
			}
			t.emit(session.TransportEvent{Kind: session.TransportDisconnected, Reason: err.Error()})
			t.reconnect()
			return
		}
		t.emit(session.TransportEvent{Kind: session.TransportMessage, Envelope: env})
	}
}

// reconnect redials until it succeeds, the attempt budget runs out, or
// the transport is closed.
func (t *Transport) reconnect() {
	attempts := 0
	for t.cfg.MaxReconnects < 0 || attempts < t.cfg.MaxReconnects {
		attempts++
		t.emit(session.TransportEvent{Kind: session.TransportReconnecting})

		select {
		case <-t.done:
			return
		case <-time.After(t.cfg.ReconnectWait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
		conn, id, err := t.dial(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("websocket redial failed")
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		log.Info().Int("attempt", attempts).Msg("websocket reconnected")
		t.emit(session.TransportEvent{Kind: session.TransportConnected, ClientID: id})
		go t.readLoop(conn)
		return
	}
	log.Error().Int("attempts", attempts).Msg("websocket reconnect attempts exhausted")
}

// Send writes one envelope. The connection allows a single writer;
// the transport lock serializes them.
func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Events delivers lifecycle signals and inbound messages.
func (t *Transport) Events() <-chan session.TransportEvent {
	return t.events
}

// Close tears down the connection and stops the reconnect loop.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (t *Transport) emit(ev session.TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
