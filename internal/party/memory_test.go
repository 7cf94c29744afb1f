package party

import (
	"context"
	"testing"

	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsertFixture(id string) UpsertParams {
	return UpsertParams{
		ID: id,
		Roles: []model.CredentialsRole{
			{CountryCode: "DE", PartyID: "GLK", Role: model.RoleCPO},
		},
		LocalToken:        "token-b-1",
		LocalTokenStatus:  model.AccessAllowed,
		RemoteToken:       "token-c-1",
		RemoteVersionsURL: "https://peer.example.com/ocpi/versions",
		RemoteVersionIDs:  []model.VersionNumber{"2.1.1", "2.2.1"},
		SelectedVersionID: "2.2.1",
		PartyStatus:       model.PartyEnabled,
		RemoteStatus:      model.RemoteOnline,
	}
}

func TestUpsertCreatesParty(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	created, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)
	assert.Equal(t, "DE*GLK", created.ID)
	assert.Equal(t, model.PartyEnabled, created.Status)

	got, err := s.GetParty(ctx, "DE*GLK")
	require.NoError(t, err)
	require.NotNil(t, got.Active())
	assert.Equal(t, model.AccessToken("token-c-1"), got.Active().Token)
}

func TestUpsertRotatesTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)

	rotated := upsertFixture("DE*GLK")
	rotated.LocalToken = "token-b-2"
	rotated.RemoteToken = "token-c-2"
	updated, err := s.AddOrUpdateRemoteParty(ctx, rotated)
	require.NoError(t, err)

	// Exactly one ONLINE remote entry; the prior token stays as history.
	require.NotNil(t, updated.Active())
	assert.Equal(t, model.AccessToken("token-c-2"), updated.Active().Token)
	require.Len(t, updated.RemoteAccessInfos, 2)
	assert.Equal(t, model.RemoteOffline, updated.RemoteAccessInfos[1].Status)

	// The old local token no longer resolves; the new one does.
	_, err = s.GetPartyByLocalToken(ctx, "token-b-1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetPartyByLocalToken(ctx, "token-b-2")
	require.NoError(t, err)
	assert.Equal(t, "DE*GLK", got.ID)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)
	updated, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)

	assert.Len(t, updated.RemoteAccessInfos, 1, "re-running the same upsert must not duplicate entries")

	list, err := s.ListParties(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDisableParty(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)
	require.NoError(t, s.DisableParty(ctx, "DE*GLK"))

	got, err := s.GetParty(ctx, "DE*GLK")
	require.NoError(t, err, "disabled parties are retained, never deleted")
	assert.Equal(t, model.PartyDisabled, got.Status)
	assert.Nil(t, got.Active())
	assert.False(t, got.LocalTokenAllowed("token-b-1"))

	assert.ErrorIs(t, s.DisableParty(ctx, "NL*EVE"), ErrNotFound)
}

func TestGetPartyReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.AddOrUpdateRemoteParty(ctx, upsertFixture("DE*GLK"))
	require.NoError(t, err)

	got, err := s.GetParty(ctx, "DE*GLK")
	require.NoError(t, err)
	got.Roles[0].CountryCode = "XX"
	got.LocalAccessInfos[0].Status = model.AccessBlocked

	fresh, err := s.GetParty(ctx, "DE*GLK")
	require.NoError(t, err)
	assert.Equal(t, "DE", fresh.Roles[0].CountryCode, "store state must not alias returned records")
	assert.Equal(t, model.AccessAllowed, fresh.LocalAccessInfos[0].Status)
}

func TestGetPartyByLocalTokenUnknown(t *testing.T) {
	s := NewMemory()
	_, err := s.GetPartyByLocalToken(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
