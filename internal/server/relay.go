package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// Relay mirrors every fanned-out session envelope to an external
// stream. The hub works without one; operators wire it in when they
// want session events available outside the websocket fan-out.
type Relay interface {
	Publish(sessionID string, env protocol.Envelope)
	Close()
}

// RelayConfig holds JetStream relay settings.
type RelayConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultRelayConfig returns the stock JetStream relay settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SESSION_EVENTS",
		SubjectPrefix: "session.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// JetStreamRelay publishes session envelopes to a JetStream stream,
// one subject per session id.
type JetStreamRelay struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg RelayConfig
}

// NewJetStreamRelay connects to NATS and ensures the stream exists.
func NewJetStreamRelay(cfg RelayConfig) (*JetStreamRelay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &JetStreamRelay{nc: nc, js: js, cfg: cfg}
	if err := r.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return r, nil
}

func (r *JetStreamRelay) ensureStream(ctx context.Context) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        r.cfg.StreamName,
		Description: "Tabletop session event relay",
		Subjects:    []string{fmt.Sprintf("%s.>", r.cfg.SubjectPrefix)},
		MaxAge:      r.cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create or update stream: %w", err)
	}
	log.Info().Str("stream", r.cfg.StreamName).Msg("JetStream relay ready")
	return nil
}

// Publish mirrors one envelope. Failures are logged, never propagated:
// the websocket fan-out must not depend on relay health.
func (r *JetStreamRelay) Publish(sessionID string, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay envelope")
		return
	}
	subject := fmt.Sprintf("%s.%s", r.cfg.SubjectPrefix, sessionID)
	if _, err := r.js.PublishAsync(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("relay publish failed")
	}
}

// Close drains the NATS connection.
func (r *JetStreamRelay) Close() {
	if err := r.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
}
