package session

import (
	"context"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// TransportEventKind classifies a transport lifecycle or message event.
type TransportEventKind int

const (
	// TransportConnected reports an established connection. The
	// event carries the server-assigned connection id.
	TransportConnected TransportEventKind = iota
	// TransportDisconnected reports a dropped connection.
	TransportDisconnected
	// TransportReconnecting reports that the transport is retrying.
	// Retry scheduling and backoff belong to the transport; the
	// session core only observes these signals.
	TransportReconnecting
	// TransportMessage carries one inbound envelope.
	TransportMessage
)

// TransportEvent is one lifecycle signal or inbound message.
type TransportEvent struct {
	Kind     TransportEventKind
	ClientID string            // TransportConnected
	Reason   string            // TransportDisconnected
	Envelope protocol.Envelope // TransportMessage
}

// Transport is the single connection to the session server.
type Transport interface {
	// Connect establishes the connection. Called at most once per
	// transport.
	Connect(ctx context.Context) error
	// Send transmits one envelope, returning an error when no
	// connection is up.
	Send(env protocol.Envelope) error
	// Events delivers lifecycle signals and inbound messages in
	// arrival order, until Close.
	Events() <-chan TransportEvent
	// Close tears down the connection and stops any retry loop.
	Close() error
}
