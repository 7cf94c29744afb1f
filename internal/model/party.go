// internal/model/party.go
// Party-registry aggregate types: the local view of every external peer,
// its tokens, and its registration lifecycle.
package model

import (
	"time"
)

// PartyStatus is the lifecycle state of a remote party record.
// Parties are never deleted; a removed peer transitions to DISABLED.
type PartyStatus string

const (
	PartyEnabled  PartyStatus = "ENABLED"
	PartyDisabled PartyStatus = "DISABLED"
)

// AccessStatus governs whether a local token a peer uses to reach us is honored.
type AccessStatus string

const (
	AccessAllowed AccessStatus = "ALLOWED"
	AccessBlocked AccessStatus = "BLOCKED"
)

// RemoteStatus tracks the reachability of a remote access entry.
type RemoteStatus string

const (
	RemoteOnline       RemoteStatus = "ONLINE"
	RemoteOffline      RemoteStatus = "OFFLINE"
	RemoteUnregistered RemoteStatus = "UNREGISTERED"
)

// LocalAccessInfo is a token we issued to a peer so it can call us.
type LocalAccessInfo struct {
	Token  AccessToken  `json:"token" db:"token"`   // Token the peer presents to us
	Status AccessStatus `json:"status" db:"status"` // Whether the token is honored
}

// RemoteAccessInfo is everything needed to call one peer: the token it
// issued to us, where its versions endpoint lives, and which version was
// negotiated.
type RemoteAccessInfo struct {
	Token             AccessToken     `json:"token" db:"token"`                           // Token we present to the peer
	VersionsURL       string          `json:"versions_url" db:"versions_url"`             // Peer's versions endpoint
	VersionIDs        []VersionNumber `json:"version_ids,omitempty" db:"version_ids"`     // Versions the peer advertised
	SelectedVersionID VersionNumber   `json:"selected_version_id" db:"selected_version"`  // Version negotiated for module calls
	Status            RemoteStatus    `json:"status" db:"status"`                         // Reachability of this entry
	TokenBase64       bool            `json:"token_base64,omitempty" db:"token_base64"`   // Base64-encode the token on the wire
}

// RemoteParty is the aggregate our side owns for one external peer.
// Invariant: at most one RemoteAccessInfo is ONLINE at a time; Active()
// returns it. Registration success replaces tokens and roles atomically via
// the party store's upsert; failure leaves the record untouched.
type RemoteParty struct {
	ID                string             `json:"id" db:"id"`                   // Stable peer identity (country*party)
	Roles             []CredentialsRole  `json:"roles" db:"roles"`             // Roles the peer plays
	LocalAccessInfos  []LocalAccessInfo  `json:"local_access_infos" db:"local_access_infos"`   // Tokens we issued to the peer
	RemoteAccessInfos []RemoteAccessInfo `json:"remote_access_infos" db:"remote_access_infos"` // Tokens the peer issued to us
	Status            PartyStatus        `json:"status" db:"status"`           // Lifecycle state
	LastUpdated       time.Time          `json:"last_updated" db:"last_updated"`
}

// PartyID builds the stable remote-party identifier from a role triple.
// All roles of one peer share the same country/party pair, so the first
// role determines the identity.
func PartyID(countryCode, partyID string) string {
	return countryCode + "*" + partyID
}

// Active returns the access entry used for outbound calls: the first
// RemoteAccessInfo with ONLINE status, or nil when the peer is unreachable.
func (p *RemoteParty) Active() *RemoteAccessInfo {
	for i := range p.RemoteAccessInfos {
		if p.RemoteAccessInfos[i].Status == RemoteOnline {
			return &p.RemoteAccessInfos[i]
		}
	}
	return nil
}

// LocalTokenAllowed reports whether the given inbound token is one we
// issued to this party and is still honored.
func (p *RemoteParty) LocalTokenAllowed(token AccessToken) bool {
	if p.Status != PartyEnabled {
		return false
	}
	for _, ai := range p.LocalAccessInfos {
		if ai.Token == token && ai.Status == AccessAllowed {
			return true
		}
	}
	return false
}
