package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/client"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is a scriptable OCPI counterparty. It serves version discovery
// and answers credentials writes with a configurable outcome.
type fakePeer struct {
	t   *testing.T
	srv *httptest.Server

	versions        []string
	credentialsCode int               // HTTP status for POST/PUT; 200 serves credentials
	roles           []model.CredentialsRole
	receivedCreds   []model.Credentials
	mintedToken     model.AccessToken
}

func newFakePeer(t *testing.T) *fakePeer {
	p := &fakePeer{
		t:               t,
		versions:        []string{"2.1.1", "2.2.1"},
		credentialsCode: http.StatusOK,
		mintedToken:     "peer-token-c",
		roles: []model.CredentialsRole{
			{CountryCode: "NL", PartyID: "EVE", Role: model.RoleEMSP,
				BusinessDetails: model.BusinessDetails{Name: "EverCharge"}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ocpi/versions", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]string, 0, len(p.versions))
		for _, v := range p.versions {
			list = append(list, map[string]string{"version": v, "url": p.srv.URL + "/ocpi/" + v})
		}
		p.writeEnvelope(w, list)
	})
	mux.HandleFunc("/ocpi/2.2.1", func(w http.ResponseWriter, r *http.Request) {
		p.writeEnvelope(w, map[string]any{
			"version": "2.2.1",
			"endpoints": []map[string]string{
				{"identifier": "credentials", "role": "RECEIVER", "url": p.srv.URL + "/ocpi/2.2.1/credentials"},
			},
		})
	})
	mux.HandleFunc("/ocpi/2.1.1", func(w http.ResponseWriter, r *http.Request) {
		p.writeEnvelope(w, map[string]any{
			"version": "2.1.1",
			"endpoints": []map[string]string{
				{"identifier": "credentials", "role": "RECEIVER", "url": p.srv.URL + "/ocpi/2.1.1/credentials"},
			},
		})
	})
	credentialsHandler := func(w http.ResponseWriter, r *http.Request) {
		if p.credentialsCode != http.StatusOK {
			w.WriteHeader(p.credentialsCode)
			return
		}
		if r.Method == http.MethodDelete {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status_code":    1000,
				"status_message": "Success",
				"timestamp":      time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		var creds model.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("peer received malformed credentials: %v", err)
		}
		p.receivedCreds = append(p.receivedCreds, creds)
		p.writeEnvelope(w, model.Credentials{
			Token: p.mintedToken,
			URL:   p.srv.URL + "/ocpi/versions",
			Roles: p.roles,
		})
	}
	mux.HandleFunc("/ocpi/2.2.1/credentials", credentialsHandler)
	mux.HandleFunc("/ocpi/2.1.1/credentials", credentialsHandler)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":           data,
		"status_code":    1000,
		"status_message": "Success",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *fakePeer) newClient() *client.Client {
	return client.New(client.Options{
		VersionsURL: p.srv.URL + "/ocpi/versions",
		Token:       "token-a",
		MaxRetries:  1,
	})
}

func localTestParty() LocalParty {
	return LocalParty{
		VersionsURL: "https://us.example.com/ocpi/versions",
		Roles: []model.CredentialsRole{
			{CountryCode: "DE", PartyID: "GLK", Role: model.RoleCPO,
				BusinessDetails: model.BusinessDetails{Name: "GridLink"}},
		},
		SupportedVersions: []model.VersionNumber{"2.1.1", "2.2.1"},
	}
}

func TestRegisterSuccess(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	res, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, res.State)
	assert.Equal(t, model.VersionNumber("2.2.1"), res.SelectedVersion, "highest common version wins")

	// Token B went out, Token C came back and replaced Token A.
	require.Len(t, peer.receivedCreds, 1)
	assert.NotEqual(t, model.AccessToken("token-a"), peer.receivedCreds[0].Token)
	assert.Equal(t, model.AccessToken("peer-token-c"), c.Token())

	// The committed record carries the full handshake outcome.
	p, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	assert.Equal(t, model.PartyEnabled, p.Status)
	require.NotNil(t, p.Active())
	assert.Equal(t, model.AccessToken("peer-token-c"), p.Active().Token)
	assert.Equal(t, model.VersionNumber("2.2.1"), p.Active().SelectedVersionID)
	assert.True(t, p.LocalTokenAllowed(peer.receivedCreds[0].Token))
}

func TestRegisterForcedVersion(t *testing.T) {
	peer := newFakePeer(t)
	reg := New(party.NewMemory(), localTestParty(), nil, nil)

	res, err := reg.Register(context.Background(), peer.newClient(), Options{Version: "2.1.1"})
	require.NoError(t, err)
	assert.Equal(t, model.VersionNumber("2.1.1"), res.SelectedVersion)
}

func TestRegisterNoCommonVersion(t *testing.T) {
	peer := newFakePeer(t)
	peer.versions = []string{"2.0"}
	reg := New(party.NewMemory(), localTestParty(), nil, nil)

	res, err := reg.Register(context.Background(), peer.newClient(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCommonVersion)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateUnregistered, res.FailedAt)
}

func TestRegisterFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	// Establish a working registration first.
	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)
	before, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	tokenBefore := c.Token()

	// The peer breaks; a rotation attempt must not damage the record.
	peer.credentialsCode = http.StatusInternalServerError
	res, err := reg.Register(ctx, c, Options{Rotate: true})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateVersionSelected, res.FailedAt)

	after, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	assert.Equal(t, before.LocalAccessInfos, after.LocalAccessInfos,
		"a failed handshake must not overwrite a working registration")
	assert.Equal(t, tokenBefore, c.Token(), "the client keeps the last working token")
}

func TestRegisterRejectsInconsistentRoles(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)
	tokenAfterFirst := c.Token()

	// The peer now claims an extra role under the same identity.
	peer.roles = append(peer.roles, model.CredentialsRole{
		CountryCode: "NL", PartyID: "EVE", Role: model.RoleCPO,
	})
	peer.mintedToken = "hijacked-token"

	res, err := reg.Register(ctx, c, Options{Rotate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentRoles)
	assert.Equal(t, StateCredentialsPosted, res.FailedAt)
	assert.Equal(t, tokenAfterFirst, c.Token(),
		"a failed role check must not install the attacker-supplied token")

	p, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	assert.Len(t, p.Roles, 1, "the stored role set stays unchanged")
}

func TestRegisterRejectsIdentitySwitch(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)
	tokenAfterFirst := c.Token()

	// The registered peer now answers a rotation under a wholly different
	// (country, party) pair, so a lookup by the returned identity finds
	// no prior record.
	peer.roles = []model.CredentialsRole{
		{CountryCode: "DE", PartyID: "XXX", Role: model.RoleEMSP,
			BusinessDetails: model.BusinessDetails{Name: "Mallory"}},
	}
	peer.mintedToken = "hijacked-token"

	res, err := reg.Register(ctx, c, Options{Rotate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentRoles)
	assert.Equal(t, StateCredentialsPosted, res.FailedAt)
	assert.Equal(t, tokenAfterFirst, c.Token(),
		"a failed identity check must not install the attacker-supplied token")

	_, err = store.GetParty(ctx, "DE*XXX")
	assert.ErrorIs(t, err, party.ErrNotFound,
		"no record may appear under the switched identity")
	p, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	assert.Equal(t, model.PartyEnabled, p.Status)
	assert.Len(t, p.Roles, 1, "the original association stays intact")
}

func TestRegisterRecordsTokenEncoding(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := client.New(client.Options{
		VersionsURL: peer.srv.URL + "/ocpi/versions",
		Token:       "token-a",
		TokenBase64: true,
		MaxRetries:  1,
	})

	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)

	p, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err)
	require.NotNil(t, p.Active())
	assert.True(t, p.Active().TokenBase64,
		"the stored record keeps the token encoding needed for future calls")
}

func TestRegisterRejectsEmptyRoleSet(t *testing.T) {
	peer := newFakePeer(t)
	peer.roles = nil
	reg := New(party.NewMemory(), localTestParty(), nil, nil)

	_, err := reg.Register(context.Background(), peer.newClient(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRoles)
}

func TestRegisterIdempotentRerun(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)
	peer.mintedToken = "peer-token-c2"
	_, err = reg.Register(ctx, c, Options{Rotate: true})
	require.NoError(t, err)

	list, err := store.ListParties(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "re-registration rotates tokens without duplicating records")
	assert.Equal(t, model.AccessToken("peer-token-c2"), c.Token())
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	store := party.NewMemory()
	reg := New(store, localTestParty(), nil, nil)
	c := peer.newClient()

	_, err := reg.Register(ctx, c, Options{})
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx, c, "NL*EVE"))

	p, err := store.GetParty(ctx, "NL*EVE")
	require.NoError(t, err, "unregistered parties are disabled, never deleted")
	assert.Equal(t, model.PartyDisabled, p.Status)
}
