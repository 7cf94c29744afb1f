// Package conformance provides a test harness for verifying OCPI peering
// compliance: it runs the real HTTP surface and drives the credentials
// handshake against it with the outbound client.
package conformance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gridlink/gridlink-ocpi-go/internal/client"
	"github.com/gridlink/gridlink-ocpi-go/internal/event"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"github.com/gridlink/gridlink-ocpi-go/internal/registration"
	"github.com/gridlink/gridlink-ocpi-go/internal/server"
)

// BootstrapToken is the provisioning token the harness seeds so an
// unregistered peer can open the handshake.
const BootstrapToken = model.AccessToken("conformance-bootstrap-token")

// serverIdentity is the party the harness server represents.
var serverIdentity = []model.CredentialsRole{{
	CountryCode:     "DE",
	PartyID:         "GLK",
	Role:            model.RoleCPO,
	BusinessDetails: model.BusinessDetails{Name: "GridLink"},
}}

// peerIdentity is the party the registrant side represents.
var peerIdentity = []model.CredentialsRole{{
	CountryCode:     "NL",
	PartyID:         "EVE",
	Role:            model.RoleEMSP,
	BusinessDetails: model.BusinessDetails{Name: "EverCharge"},
}}

// Harness runs the service under httptest and holds everything a
// conformance run needs on both sides of the handshake.
type Harness struct {
	server *httptest.Server
	store  party.Store // server-side party registry
	pub    event.Publisher
}

// NewHarness creates a conformance harness backed by the in-memory party
// store, with the bootstrap token already provisioned.
func NewHarness() (*Harness, error) {
	store := party.NewMemory()
	pub := event.NewPublisherFromEnv()

	_, err := store.AddOrUpdateRemoteParty(context.Background(), party.UpsertParams{
		ID:               "bootstrap",
		LocalToken:       BootstrapToken,
		LocalTokenStatus: model.AccessAllowed,
		PartyStatus:      model.PartyEnabled,
		RemoteStatus:     model.RemoteUnregistered,
	})
	if err != nil {
		return nil, err
	}

	// The external URL must match the httptest listener, so the listener
	// starts behind an indirection and the mux is bound once the URL is known.
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))

	mux, err := server.NewMux(store, pub, server.LocalParty{
		ExternalURL:       srv.URL,
		Roles:             serverIdentity,
		SupportedVersions: []model.VersionNumber{"2.2.1"},
	})
	if err != nil {
		srv.Close()
		return nil, err
	}
	handler = mux

	return &Harness{server: srv, store: store, pub: pub}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Store returns the server-side party registry.
func (h *Harness) Store() party.Store {
	return h.store
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// NewPeerClient builds an outbound client pointed at the harness server.
func (h *Harness) NewPeerClient(token model.AccessToken) *client.Client {
	return client.New(client.Options{
		VersionsURL: h.URL() + "/ocpi/versions",
		Token:       token,
		TokenBase64: true,
	})
}

// NewPeerRegistrar builds a registrar for the registrant side with its own
// party store.
func (h *Harness) NewPeerRegistrar(store party.Store) *registration.Registrar {
	return registration.New(store, registration.LocalParty{
		VersionsURL:       "https://peer.example.com/ocpi/versions",
		Roles:             peerIdentity,
		SupportedVersions: []model.VersionNumber{"2.1.1", "2.2.1"},
	}, nil, nil)
}

// RunConformanceTests runs the full conformance suite against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Authentication", h.testAuthentication)
	t.Run("VersionDiscovery", h.testVersionDiscovery)
	t.Run("RegistrationHandshake", h.testRegistrationHandshake)
}

// testHealthEndpoints verifies liveness and readiness respond without auth.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthentication verifies the protocol surface rejects missing and
// unknown tokens.
func (h *Harness) testAuthentication(t *testing.T) {
	resp, err := http.Get(h.URL() + "/ocpi/versions")
	if err != nil {
		t.Fatalf("failed to GET /ocpi/versions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.URL()+"/ocpi/versions", nil)
	req.Header.Set("Authorization", "Token no-such-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with unknown token, got %d", resp.StatusCode)
	}

	var body struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("error response is not an envelope: %v", err)
	}
	if body.StatusCode == 1000 {
		t.Error("auth failure must not carry the success status code")
	}
}

// testVersionDiscovery walks versions and version details with the client.
func (h *Harness) testVersionDiscovery(t *testing.T) {
	c := h.NewPeerClient(BootstrapToken)

	versions := c.GetVersions(context.Background())
	if !versions.OK() {
		t.Fatalf("get versions failed: %v", versions.Err())
	}
	if len(versions.Data) != 1 || versions.Data[0].Version != "2.2.1" {
		t.Fatalf("unexpected version listing: %+v", versions.Data)
	}

	detail := c.GetVersionDetails(context.Background(), "2.2.1")
	if !detail.OK() {
		t.Fatalf("get version details failed: %v", detail.Err())
	}
	if _, ok := findEndpoint(detail.Data, model.ModuleCredentials, model.InterfaceReceiver); !ok {
		t.Fatalf("version detail lacks a credentials receiver endpoint: %+v", detail.Data)
	}
}

// testRegistrationHandshake drives the full credentials lifecycle:
// register under the bootstrap token, rotate, and unregister.
func (h *Harness) testRegistrationHandshake(t *testing.T) {
	ctx := context.Background()
	peerStore := party.NewMemory()
	reg := h.NewPeerRegistrar(peerStore)
	c := h.NewPeerClient(BootstrapToken)

	res, err := reg.Register(ctx, c, registration.Options{})
	if err != nil {
		t.Fatalf("registration failed in state %s: %v", res.FailedAt, err)
	}
	if res.State != registration.StateRegistered {
		t.Fatalf("expected REGISTERED, got %s", res.State)
	}
	if res.SelectedVersion != "2.2.1" {
		t.Errorf("expected negotiated version 2.2.1, got %s", res.SelectedVersion)
	}
	if res.PeerCredentials.Token == BootstrapToken {
		t.Error("server must mint a fresh token, not echo the bootstrap token")
	}
	if !model.ConsistentRoleSets(res.PeerCredentials.Roles, serverIdentity) {
		t.Errorf("server returned unexpected roles: %+v", res.PeerCredentials.Roles)
	}

	// The bootstrap token is retired once registration completes.
	stale := h.NewPeerClient(BootstrapToken)
	if v := stale.GetVersions(ctx); v.OK() {
		t.Error("bootstrap token still honored after registration")
	}

	// The server now holds the registrant under its real identity.
	serverSide, err := h.store.GetParty(ctx, model.PartyID("NL", "EVE"))
	if err != nil {
		t.Fatalf("server did not store the registered party: %v", err)
	}
	if !model.ConsistentRoleSets(serverSide.Roles, peerIdentity) {
		t.Errorf("server stored wrong roles: %+v", serverSide.Roles)
	}

	// Rotation: same identity, fresh tokens on both sides.
	tokenC := c.Token()
	res, err = reg.Register(ctx, c, registration.Options{Rotate: true})
	if err != nil {
		t.Fatalf("rotation failed in state %s: %v", res.FailedAt, err)
	}
	if c.Token() == tokenC {
		t.Error("rotation did not replace the outbound token")
	}

	// Unregister: DELETE on the server, DISABLED locally.
	if err := reg.Unregister(ctx, c, model.PartyID("DE", "GLK")); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	serverSide, err = h.store.GetParty(ctx, model.PartyID("NL", "EVE"))
	if err != nil {
		t.Fatalf("server dropped the party record on unregister: %v", err)
	}
	if serverSide.Status != model.PartyDisabled {
		t.Errorf("expected server-side party DISABLED, got %s", serverSide.Status)
	}
}

// findEndpoint looks up a (module, role) pair in a version detail.
func findEndpoint(d model.VersionDetail, module model.ModuleID, role model.InterfaceRole) (string, bool) {
	for _, ep := range d.Endpoints {
		if ep.Identifier == module && ep.Role == role {
			return ep.URL, true
		}
	}
	return "", false
}
