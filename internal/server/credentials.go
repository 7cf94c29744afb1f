// internal/server/credentials.go
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	errordefs "github.com/gridlink/gridlink-ocpi-go/internal/errors"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"github.com/oklog/ulid/v2"
)

// maxCredentialsBody bounds inbound credentials payloads. Real credentials
// objects are well under a kilobyte; anything past this is abuse.
const maxCredentialsBody = 1 << 16

// credentialsHandler dispatches the credentials receiver endpoint for one
// protocol version.
func (m *Mux) credentialsHandler(v model.VersionNumber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			m.handleGetCredentials(w, r)
		case http.MethodPost:
			m.handleRegisterCredentials(w, r, v, false)
		case http.MethodPut:
			m.handleRegisterCredentials(w, r, v, true)
		case http.MethodDelete:
			m.handleDeleteCredentials(w, r)
		default:
			m.writeErrorDef(w, errordefs.New(errordefs.OCPI_BAD_REQUEST, "method not allowed", m.correlationID(r)))
		}
	}
}

// correlationID pulls the correlation ID placed on the context by the
// middleware.
func (m *Mux) correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// caller pulls the authenticated party placed on the context by the
// middleware.
func (m *Mux) caller(r *http.Request) *model.RemoteParty {
	p, _ := r.Context().Value(ContextKeyParty).(*model.RemoteParty)
	return p
}

// localCredentials builds the credentials object we hand to a peer: the
// token it must use toward us, our versions endpoint, and our roles.
func (m *Mux) localCredentials(token model.AccessToken) model.Credentials {
	return model.Credentials{
		Token: token,
		URL:   m.versionsEndpoint(),
		Roles: append([]model.CredentialsRole(nil), m.local.Roles...),
	}
}

// handleGetCredentials returns the credentials object as currently stored
// for the calling party.
func (m *Mux) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	caller := m.caller(r)

	var token model.AccessToken
	for _, info := range caller.LocalAccessInfos {
		if info.Status == model.AccessAllowed {
			token = info.Token
			break
		}
	}
	m.writeSuccess(w, r, m.localCredentials(token))
}

// handleRegisterCredentials implements both POST (initial registration) and
// PUT (update/rotation) of the credentials receiver endpoint. The peer hands
// us the token we must use toward it; we mint a fresh token for it to use
// toward us, which immediately replaces the one the request was authenticated
// with.
func (m *Mux) handleRegisterCredentials(w http.ResponseWriter, r *http.Request, v model.VersionNumber, rotation bool) {
	correlationID := m.correlationID(r)
	caller := m.caller(r)

	creds, errDef := m.readCredentials(r)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	registered := len(caller.Roles) > 0
	if rotation && !registered {
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_NOT_REGISTERED,
			"credentials update before registration, use POST first", correlationID))
		return
	}
	if !rotation && registered {
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_CONFLICT,
			"party already registered, use PUT to update credentials", correlationID))
		return
	}

	// A registered peer may rotate tokens and business details, never its
	// set of (country, party, role) triples.
	if rotation && !model.ConsistentRoleSets(caller.Roles, creds.Roles) {
		slog.Warn("rejecting credentials update with changed role set",
			"party_id", caller.ID,
			"correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_INCONSISTENT_ROLES,
			"role set does not match registered roles", correlationID))
		return
	}

	id := model.PartyID(creds.Roles[0].CountryCode, creds.Roles[0].PartyID)
	newToken := model.AccessToken(ulid.Make().String())

	updated, err := m.store.AddOrUpdateRemoteParty(r.Context(), party.UpsertParams{
		ID:                id,
		Roles:             creds.Roles,
		LocalToken:        newToken,
		LocalTokenStatus:  model.AccessAllowed,
		RemoteToken:       creds.Token,
		RemoteVersionsURL: creds.URL,
		SelectedVersionID: v,
		RemoteTokenBase64: true,
		PartyStatus:       model.PartyEnabled,
		RemoteStatus:      model.RemoteOnline,
	})
	if err != nil {
		slog.Error("failed to commit registration",
			"party_id", id,
			"error", err,
			"correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_INTERNAL, "failed to store registration", correlationID))
		return
	}

	// Initial registrations arrive under a provisioning token that may be
	// keyed to a placeholder record. Retire it once the real identity exists.
	if caller.ID != id {
		if err := m.store.DisableParty(r.Context(), caller.ID); err != nil && !errors.Is(err, party.ErrNotFound) {
			slog.Warn("failed to retire provisioning record",
				"party_id", caller.ID,
				"error", err)
		}
	}

	if rotation {
		m.metrics.RegistrationTotal.WithLabelValues("rotated").Inc()
		if err := m.pub.PublishCredentialsRotated(r.Context(), *updated); err != nil {
			slog.Warn("failed to publish rotation event", "party_id", id, "error", err)
		}
	} else {
		m.metrics.RegistrationTotal.WithLabelValues("registered").Inc()
		if err := m.pub.PublishPartyRegistered(r.Context(), *updated); err != nil {
			slog.Warn("failed to publish registration event", "party_id", id, "error", err)
		}
	}

	slog.Info("credentials registered",
		"party_id", id,
		"rotation", rotation,
		"version", string(v),
		"correlation_id", correlationID)

	m.writeSuccess(w, r, m.localCredentials(newToken))
}

// handleDeleteCredentials unregisters the calling party. The record is
// disabled and its tokens revoked, never deleted.
func (m *Mux) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	correlationID := m.correlationID(r)
	caller := m.caller(r)

	if len(caller.Roles) == 0 {
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_NOT_REGISTERED,
			"party is not registered", correlationID))
		return
	}

	if err := m.store.DisableParty(r.Context(), caller.ID); err != nil {
		slog.Error("failed to disable party",
			"party_id", caller.ID,
			"error", err,
			"correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.OCPI_INTERNAL, "failed to unregister party", correlationID))
		return
	}

	m.metrics.RegistrationTotal.WithLabelValues("unregistered").Inc()
	if err := m.pub.PublishPartyDisabled(r.Context(), caller.ID); err != nil {
		slog.Warn("failed to publish unregister event", "party_id", caller.ID, "error", err)
	}

	slog.Info("party unregistered",
		"party_id", caller.ID,
		"correlation_id", correlationID)

	m.writeEmpty(w, r)
}

// readCredentials decodes and validates an inbound credentials payload.
func (m *Mux) readCredentials(r *http.Request) (*model.Credentials, *errordefs.Error) {
	correlationID := m.correlationID(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialsBody))
	if err != nil {
		return nil, errordefs.New(errordefs.OCPI_PARSE, "failed to read request body", correlationID)
	}
	if err := m.validator.ValidateCredentials(body); err != nil {
		return nil, errordefs.NewWithDetails(errordefs.OCPI_VALIDATION,
			"credentials payload failed validation", correlationID, err.Error())
	}

	var creds model.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, errordefs.New(errordefs.OCPI_PARSE, "malformed credentials payload", correlationID)
	}
	if len(creds.Roles) == 0 {
		return nil, errordefs.New(errordefs.OCPI_VALIDATION, "credentials must declare at least one role", correlationID)
	}
	return &creds, nil
}
