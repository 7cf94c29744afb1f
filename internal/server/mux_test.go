package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gridlink/gridlink-ocpi-go/internal/event"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
)

const testToken = model.AccessToken("test-token-a")

// newTestMux builds the mux with an in-memory store holding one
// provisioning token and, optionally, one registered party.
func newTestMux(t *testing.T, registered bool) (*http.ServeMux, party.Store) {
	t.Helper()
	store := party.NewMemory()

	params := party.UpsertParams{
		ID:               "bootstrap",
		LocalToken:       testToken,
		LocalTokenStatus: model.AccessAllowed,
		PartyStatus:      model.PartyEnabled,
		RemoteStatus:     model.RemoteUnregistered,
	}
	if registered {
		params = party.UpsertParams{
			ID: "NL*EVE",
			Roles: []model.CredentialsRole{
				{CountryCode: "NL", PartyID: "EVE", Role: model.RoleEMSP,
					BusinessDetails: model.BusinessDetails{Name: "EverCharge"}},
			},
			LocalToken:        testToken,
			LocalTokenStatus:  model.AccessAllowed,
			RemoteToken:       "their-token",
			RemoteVersionsURL: "https://peer.example.com/ocpi/versions",
			SelectedVersionID: "2.2.1",
			PartyStatus:       model.PartyEnabled,
			RemoteStatus:      model.RemoteOnline,
		}
	}
	if _, err := store.AddOrUpdateRemoteParty(context.Background(), params); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	mux, err := NewMux(store, event.NewPublisherFromEnv(), LocalParty{
		ExternalURL: "https://us.example.com",
		Roles: []model.CredentialsRole{
			{CountryCode: "DE", PartyID: "GLK", Role: model.RoleCPO,
				BusinessDetails: model.BusinessDetails{Name: "GridLink"}},
		},
		SupportedVersions: []model.VersionNumber{"2.2.1"},
	})
	if err != nil {
		t.Fatalf("failed to create mux: %v", err)
	}
	return mux, store
}

// doRequest runs one request through the mux with the given token.
func doRequest(mux *http.ServeMux, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

// parseEnvelope decodes a response envelope from a recorder.
func parseEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, json.RawMessage) {
	t.Helper()
	var env struct {
		Data       json.RawMessage `json:"data"`
		StatusCode int             `json:"status_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v (%s)", err, w.Body.String())
	}
	return env.StatusCode, env.Data
}

func TestHealthEndpoints(t *testing.T) {
	mux, _ := newTestMux(t, false)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := doRequest(mux, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200 for %s, got %d", path, w.Code)
		}
	}
}

func TestVersionsRequiresAuth(t *testing.T) {
	mux, _ := newTestMux(t, false)

	w := doRequest(mux, http.MethodGet, "/ocpi/versions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = doRequest(mux, http.MethodGet, "/ocpi/versions", "unknown", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown token, got %d", w.Code)
	}
	if status, _ := parseEnvelope(t, w); status == 1000 {
		t.Error("auth failure must not carry the success status code")
	}
}

func TestVersionsListing(t *testing.T) {
	mux, _ := newTestMux(t, false)

	w := doRequest(mux, http.MethodGet, "/ocpi/versions", string(testToken), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	status, data := parseEnvelope(t, w)
	if status != 1000 {
		t.Fatalf("expected status 1000, got %d", status)
	}

	var versions []model.VersionInformation
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("data is not a version list: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != "2.2.1" {
		t.Errorf("unexpected versions: %+v", versions)
	}
	if versions[0].URL != "https://us.example.com/ocpi/2.2.1" {
		t.Errorf("unexpected version URL: %s", versions[0].URL)
	}
}

func TestBase64TokenAccepted(t *testing.T) {
	mux, _ := newTestMux(t, false)

	encoded := base64.StdEncoding.EncodeToString([]byte(testToken))
	w := doRequest(mux, http.MethodGet, "/ocpi/versions", encoded, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for base64-encoded token, got %d", w.Code)
	}
}

func TestVersionDetail(t *testing.T) {
	mux, _ := newTestMux(t, false)

	w := doRequest(mux, http.MethodGet, "/ocpi/2.2.1", string(testToken), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	_, data := parseEnvelope(t, w)

	var detail model.VersionDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("data is not a version detail: %v", err)
	}
	if len(detail.Endpoints) != 1 {
		t.Fatalf("expected one endpoint, got %+v", detail.Endpoints)
	}
	ep := detail.Endpoints[0]
	if ep.Identifier != model.ModuleCredentials || ep.Role != model.InterfaceReceiver {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
}

func TestVersionsRejectsNonGet(t *testing.T) {
	mux, _ := newTestMux(t, false)

	w := doRequest(mux, http.MethodPost, "/ocpi/versions", string(testToken), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for POST on versions, got %d", w.Code)
	}
}

func TestCorrelationHeadersEchoed(t *testing.T) {
	mux, _ := newTestMux(t, false)

	req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
	req.Header.Set("Authorization", "Token "+string(testToken))
	req.Header.Set("X-Correlation-ID", "corr-42")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "corr-42" {
		t.Errorf("expected correlation ID echoed, got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request ID header")
	}
}

func TestBlockedTokenRejected(t *testing.T) {
	mux, store := newTestMux(t, true)
	if err := store.DisableParty(context.Background(), "NL*EVE"); err != nil {
		t.Fatalf("failed to disable party: %v", err)
	}

	w := doRequest(mux, http.MethodGet, "/ocpi/versions", string(testToken), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a revoked token, got %d", w.Code)
	}
}
