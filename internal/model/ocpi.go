// internal/model/ocpi.go
// Package model defines the data structures used throughout the OCPI peering core.
// These structures represent the wire-level OCPI objects exchanged during version
// discovery and the credentials handshake.
package model

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Role identifies the part a party plays in the charging ecosystem.
type Role string

const (
	RoleCPO   Role = "CPO"   // Charge Point Operator
	RoleEMSP  Role = "EMSP"  // E-Mobility Service Provider
	RoleHub   Role = "HUB"   // Roaming hub
	RoleNAP   Role = "NAP"   // National Access Point
	RoleNSP   Role = "NSP"   // Navigation Service Provider
	RoleSCSP  Role = "SCSP"  // Smart Charging Service Provider
	RoleOther Role = "OTHER" // Other role
)

// InterfaceRole distinguishes the two directions a module endpoint can serve.
type InterfaceRole string

const (
	InterfaceSender   InterfaceRole = "SENDER"   // Endpoint implemented by the data owner
	InterfaceReceiver InterfaceRole = "RECEIVER" // Endpoint implemented by the data consumer
)

// ModuleID names an OCPI resource group. Each module is independently
// versioned and endpointed.
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleLocations   ModuleID = "locations"
	ModuleTariffs     ModuleID = "tariffs"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleCommands    ModuleID = "commands"
	ModuleTokens      ModuleID = "tokens"
)

// VersionNumber is an OCPI protocol version such as "2.1.1" or "2.2.1".
// Versions are ordered numerically per dotted segment, so "2.10" > "2.2".
type VersionNumber string

// Compare returns -1, 0, or 1 depending on whether v orders before, equal
// to, or after other. Missing segments compare as zero.
func (v VersionNumber) Compare(other VersionNumber) int {
	a := strings.Split(string(v), ".")
	b := strings.Split(string(other), ".")
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x, _ = strconv.Atoi(a[i])
		}
		if i < len(b) {
			y, _ = strconv.Atoi(b[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AccessToken is an opaque bearer credential. Equality is exact string match.
type AccessToken string

// AuthorizationHeader renders the token as the OCPI Authorization header
// value. When base64Encode is set the token value is base64 encoded first,
// as required by OCPI 2.2 and later.
func (t AccessToken) AuthorizationHeader(base64Encode bool) string {
	if base64Encode {
		return "Token " + base64.StdEncoding.EncodeToString([]byte(t))
	}
	return "Token " + string(t)
}

// BusinessDetails describes the organization behind a credentials role.
type BusinessDetails struct {
	Name    string `json:"name"`              // Display name of the organization
	Website string `json:"website,omitempty"` // Public website, if any
}

// CredentialsRole identifies one role a party plays: the (country, party,
// role) triple plus presentational business details. The triple is the
// identity; BusinessDetails may change between handshakes.
type CredentialsRole struct {
	CountryCode     string          `json:"country_code"`     // ISO-3166 alpha-2 country code
	PartyID         string          `json:"party_id"`         // 3-letter party identifier
	Role            Role            `json:"role"`             // Role played under this identity
	BusinessDetails BusinessDetails `json:"business_details"` // Organization info
}

// SameIdentity reports whether two credentials roles carry the same
// (country, party, role) triple, ignoring business details.
func (r CredentialsRole) SameIdentity(other CredentialsRole) bool {
	return r.CountryCode == other.CountryCode &&
		r.PartyID == other.PartyID &&
		r.Role == other.Role
}

// ConsistentRoleSets reports whether two role sets describe the same set of
// (country, party, role) triples. Order and business details are ignored.
// A changed, added, or removed triple makes the sets inconsistent.
func ConsistentRoleSets(known, proposed []CredentialsRole) bool {
	if len(known) != len(proposed) {
		return false
	}
	matched := make([]bool, len(proposed))
	for _, k := range known {
		found := false
		for i, p := range proposed {
			if !matched[i] && k.SameIdentity(p) {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Credentials is the payload exchanged during registration: the token the
// receiver must use for subsequent calls, the sender's versions endpoint,
// and the roles the sender claims.
type Credentials struct {
	Token AccessToken       `json:"token"` // Token C (theirs) or Token B (ours)
	URL   string            `json:"url"`   // Versions endpoint of the sending party
	Roles []CredentialsRole `json:"roles"` // Roles the sending party claims
}

// VersionInformation is one entry of a GetVersions response.
type VersionInformation struct {
	Version VersionNumber `json:"version"` // Protocol version identifier
	URL     string        `json:"url"`     // Version detail endpoint
}

// Endpoint maps one (module, interface role) pair to a URL within a version.
type Endpoint struct {
	Identifier ModuleID      `json:"identifier"` // Module this endpoint serves
	Role       InterfaceRole `json:"role"`       // SENDER or RECEIVER
	URL        string        `json:"url"`        // Absolute endpoint URL
}

// VersionDetail is a GetVersionDetails response: the full endpoint table
// for one protocol version.
type VersionDetail struct {
	Version   VersionNumber `json:"version"`   // Protocol version identifier
	Endpoints []Endpoint    `json:"endpoints"` // All module endpoints for this version
}
