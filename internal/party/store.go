// internal/party/store.go
// Package party provides the local party registry: persistence for every
// remote peer we hold a trust relationship with, in both in-memory and
// PostgreSQL backends. Registration commits through one idempotent upsert;
// parties are disabled, never deleted.
package party

import (
	"context"
	"errors"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/model"
)

// ErrNotFound is returned when a party is not registered.
var ErrNotFound = errors.New("party not found")

// UpsertParams carries everything a successful registration (or credential
// rotation) commits in one step. The upsert is keyed by party identity, not
// by token, so re-running a handshake rotates tokens without duplicating
// records.
type UpsertParams struct {
	ID                string                  // Stable peer identity, model.PartyID
	Roles             []model.CredentialsRole // Roles the peer claims
	LocalToken        model.AccessToken       // Token the peer uses to call us
	LocalTokenStatus  model.AccessStatus      // Whether that token is honored
	RemoteToken       model.AccessToken       // Token we use to call the peer
	RemoteVersionsURL string                  // Peer's versions endpoint
	RemoteVersionIDs  []model.VersionNumber   // Versions the peer advertised
	SelectedVersionID model.VersionNumber     // Negotiated version
	RemoteTokenBase64 bool                    // Base64-encode the remote token on the wire
	PartyStatus       model.PartyStatus       // Lifecycle state to commit
	RemoteStatus      model.RemoteStatus      // Reachability of the new remote entry
}

// Store defines the party registry operations required by the peering core.
// It is implemented by both in-memory and PostgreSQL backends.
type Store interface {
	// GetParty returns a registered party by its stable identity.
	GetParty(ctx context.Context, id string) (*model.RemoteParty, error)
	// GetPartyByLocalToken resolves an inbound access token to its party.
	GetPartyByLocalToken(ctx context.Context, token model.AccessToken) (*model.RemoteParty, error)
	// ListParties returns all parties, disabled ones included.
	ListParties(ctx context.Context) ([]model.RemoteParty, error)
	// AddOrUpdateRemoteParty is the single idempotent upsert registration
	// commits through. It creates or fully rotates the party record.
	AddOrUpdateRemoteParty(ctx context.Context, p UpsertParams) (*model.RemoteParty, error)
	// DisableParty transitions a party to its terminal DISABLED state and
	// revokes its tokens. The record itself is retained.
	DisableParty(ctx context.Context, id string) error
}

// applyUpsert builds the post-upsert party record. Local tokens are
// replaced outright; remote access entries are prepended with prior ones
// marked OFFLINE, keeping exactly one ONLINE entry and the rotation
// history.
func applyUpsert(existing *model.RemoteParty, p UpsertParams) model.RemoteParty {
	updated := model.RemoteParty{
		ID:     p.ID,
		Roles:  append([]model.CredentialsRole(nil), p.Roles...),
		Status: p.PartyStatus,
		LocalAccessInfos: []model.LocalAccessInfo{
			{Token: p.LocalToken, Status: p.LocalTokenStatus},
		},
		LastUpdated: time.Now().UTC(),
	}

	entry := model.RemoteAccessInfo{
		Token:             p.RemoteToken,
		VersionsURL:       p.RemoteVersionsURL,
		VersionIDs:        append([]model.VersionNumber(nil), p.RemoteVersionIDs...),
		SelectedVersionID: p.SelectedVersionID,
		Status:            p.RemoteStatus,
		TokenBase64:       p.RemoteTokenBase64,
	}
	updated.RemoteAccessInfos = []model.RemoteAccessInfo{entry}
	if existing != nil {
		for _, prior := range existing.RemoteAccessInfos {
			if prior.Token == entry.Token {
				continue
			}
			prior.Status = model.RemoteOffline
			updated.RemoteAccessInfos = append(updated.RemoteAccessInfos, prior)
		}
	}
	return updated
}

// clone deep-copies a party record so callers never alias store state.
func clone(p *model.RemoteParty) *model.RemoteParty {
	copied := *p
	copied.Roles = append([]model.CredentialsRole(nil), p.Roles...)
	copied.LocalAccessInfos = append([]model.LocalAccessInfo(nil), p.LocalAccessInfos...)
	copied.RemoteAccessInfos = make([]model.RemoteAccessInfo, len(p.RemoteAccessInfos))
	for i, ai := range p.RemoteAccessInfos {
		ai.VersionIDs = append([]model.VersionNumber(nil), ai.VersionIDs...)
		copied.RemoteAccessInfos[i] = ai
	}
	return &copied
}
