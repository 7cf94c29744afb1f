// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams party registration lifecycle events to support provisioning
// pipelines and audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/nats-io/nats.go"
)

// Publisher defines the event publishing operations of the peering core:
// one event per registration lifecycle transition.
type Publisher interface {
	// PublishPartyRegistered signals a completed registration handshake.
	PublishPartyRegistered(ctx context.Context, party model.RemoteParty) error
	// PublishCredentialsRotated signals a token rotation for an existing party.
	PublishCredentialsRotated(ctx context.Context, party model.RemoteParty) error
	// PublishPartyDisabled signals a party transitioning to its terminal state.
	PublishPartyDisabled(ctx context.Context, partyID string) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. The peering core functions without event streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishPartyRegistered implements Publisher.
func (n *noop) PublishPartyRegistered(ctx context.Context, party model.RemoteParty) error {
	return nil
}

// PublishCredentialsRotated implements Publisher.
func (n *noop) PublishCredentialsRotated(ctx context.Context, party model.RemoteParty) error {
	return nil
}

// PublishPartyDisabled implements Publisher.
func (n *noop) PublishPartyDisabled(ctx context.Context, partyID string) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads OCPI_NATS_URL; when unset or unreachable it
// returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("OCPI_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the OCPI_PARTIES stream used for all registration
// lifecycle events.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "OCPI_PARTIES",
		Subjects:  []string{"ocpi.parties.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create OCPI_PARTIES stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// publish wraps a payload into the event envelope and sends it.
func (p *natsPub) publish(subject string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b)
	return err
}

// partyEvent strips token material before an event leaves the process.
// Subscribers get identity and status, never credentials.
type partyEvent struct {
	ID              string                  `json:"id"`
	Roles           []model.CredentialsRole `json:"roles"`
	Status          model.PartyStatus       `json:"status"`
	SelectedVersion model.VersionNumber     `json:"selectedVersion,omitempty"`
}

func newPartyEvent(party model.RemoteParty) partyEvent {
	e := partyEvent{
		ID:     party.ID,
		Roles:  party.Roles,
		Status: party.Status,
	}
	if active := party.Active(); active != nil {
		e.SelectedVersion = active.SelectedVersionID
	}
	return e
}

// PublishPartyRegistered publishes a party registered event.
func (p *natsPub) PublishPartyRegistered(ctx context.Context, party model.RemoteParty) error {
	return p.publish("ocpi.parties.registered", newPartyEvent(party))
}

// PublishCredentialsRotated publishes a credentials rotated event.
func (p *natsPub) PublishCredentialsRotated(ctx context.Context, party model.RemoteParty) error {
	return p.publish("ocpi.parties.rotated", newPartyEvent(party))
}

// PublishPartyDisabled publishes a party disabled event.
func (p *natsPub) PublishPartyDisabled(ctx context.Context, partyID string) error {
	return p.publish("ocpi.parties.disabled", map[string]string{"id": partyID})
}
