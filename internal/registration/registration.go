// internal/registration/registration.go
// Package registration drives the mutual credential exchange that
// establishes or rotates an authenticated relationship between two OCPI
// parties. A bug here either strands a handshake (the peer thinks it
// registered, we do not) or opens a security hole (accepting a credential
// rotation from an unauthenticated party), so every transition commits
// nothing until role verification has passed.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/client"
	"github.com/gridlink/gridlink-ocpi-go/internal/event"
	"github.com/gridlink/gridlink-ocpi-go/internal/metrics"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is one step of the registration handshake.
type State string

const (
	StateUnregistered      State = "UNREGISTERED"
	StateVersionSelected   State = "VERSION_SELECTED"
	StateCredentialsPosted State = "CREDENTIALS_POSTED"
	StateRolesVerified     State = "ROLES_VERIFIED"
	StateRegistered        State = "REGISTERED"
	StateFailed            State = "REGISTRATION_FAILED"
)

// Standard errors returned by the registrar
var (
	// ErrInconsistentRoles is the security-relevant hard stop: the peer
	// returned a role set whose (country, party, role) triples differ from
	// the set we previously associated with it. Never auto-retried.
	ErrInconsistentRoles = errors.New("peer role set is inconsistent with prior registration")

	// ErrNoCommonVersion means the peer advertises no version we support.
	ErrNoCommonVersion = errors.New("no common protocol version")

	// ErrNoRoles means the peer returned credentials without any role.
	ErrNoRoles = errors.New("peer credentials carry no roles")
)

// LocalParty is our side's identity as sent during registration.
type LocalParty struct {
	VersionsURL       string                  // Our public versions endpoint
	Roles             []model.CredentialsRole // Roles we play
	SupportedVersions []model.VersionNumber   // Protocol versions we implement
}

// Options tunes one registration run.
type Options struct {
	// Version forces a specific protocol version. When empty the highest
	// version supported by both sides is negotiated.
	Version model.VersionNumber
	// LocalToken is the fresh Token B offered to the peer. Minted when empty.
	LocalToken model.AccessToken
	// Rotate selects PUT instead of POST, for refreshing an established
	// registration.
	Rotate bool
}

// Result reports where a registration run ended.
type Result struct {
	State           State               // REGISTERED, or REGISTRATION_FAILED
	FailedAt        State               // Last good state before a failure
	SelectedVersion model.VersionNumber // Version negotiated with the peer
	Party           *model.RemoteParty  // Committed record, nil on failure
	PeerCredentials model.Credentials   // What the peer returned (token C, roles)
}

// Registrar runs handshakes and commits their outcome to the party store.
// Handshakes against the same peer are serialized; different peers proceed
// independently.
type Registrar struct {
	store     party.Store
	local     LocalParty
	publisher event.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	peers map[string]*sync.Mutex
}

// New creates a registrar committing into the given party store.
func New(store party.Store, local LocalParty, publisher event.Publisher, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = event.NewPublisherFromEnv()
	}
	return &Registrar{
		store:     store,
		local:     local,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics.NewMetrics(),
		peers:     make(map[string]*sync.Mutex),
	}
}

// peerLock returns the mutex serializing handshakes against one peer,
// keyed by its versions URL since the party identity is unknown before the
// handshake completes.
func (r *Registrar) peerLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.peers[key]
	if !ok {
		l = &sync.Mutex{}
		r.peers[key] = l
	}
	return l
}

// Register drives the full handshake against the peer behind c:
//
//	UNREGISTERED -> VERSION_SELECTED -> CREDENTIALS_POSTED ->
//	ROLES_VERIFIED -> REGISTERED
//
// Any failure aborts to REGISTRATION_FAILED and leaves the stored party
// record untouched; an already-working registration is never partially
// overwritten. Re-running against a registered peer rotates tokens without
// duplicating records.
func (r *Registrar) Register(ctx context.Context, c *client.Client, opts Options) (Result, error) {
	lock := r.peerLock(c.VersionsURL())
	lock.Lock()
	defer lock.Unlock()

	ctx, span := otel.Tracer("ocpi-registration").Start(ctx, "Register")
	defer span.End()

	start := time.Now()
	res, err := r.register(ctx, c, opts)
	outcome := "registered"
	if err != nil {
		outcome = "failed"
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.String("version", string(res.SelectedVersion)),
	)
	r.metrics.RegistrationTotal.WithLabelValues(outcome).Inc()
	r.metrics.RegistrationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (r *Registrar) register(ctx context.Context, c *client.Client, opts Options) (Result, error) {
	res := Result{State: StateUnregistered}

	// UNREGISTERED -> VERSION_SELECTED
	version, err := r.selectVersion(ctx, c, opts.Version)
	if err != nil {
		return r.fail(res, err)
	}
	res.State = StateVersionSelected
	res.SelectedVersion = version

	detail := c.GetVersionDetails(ctx, version)
	if !detail.OK() {
		return r.fail(res, fmt.Errorf("get version details: %w", detail.Err()))
	}

	// VERSION_SELECTED -> CREDENTIALS_POSTED. Token B is offered to the
	// peer, authenticated with the old Token A the client still holds.
	tokenB := opts.LocalToken
	if tokenB == "" {
		tokenB = client.MintToken()
	}
	ourCreds := model.Credentials{
		Token: tokenB,
		URL:   r.local.VersionsURL,
		Roles: r.local.Roles,
	}

	var peerResp = c.PostCredentials
	if opts.Rotate {
		peerResp = c.PutCredentials
	}
	peer := peerResp(ctx, ourCreds)
	if !peer.OK() {
		return r.fail(res, fmt.Errorf("post credentials: %w", peer.Err()))
	}
	res.State = StateCredentialsPosted
	res.PeerCredentials = peer.Data

	// CREDENTIALS_POSTED -> ROLES_VERIFIED
	if len(peer.Data.Roles) == 0 {
		return r.fail(res, ErrNoRoles)
	}
	partyID := model.PartyID(peer.Data.Roles[0].CountryCode, peer.Data.Roles[0].PartyID)
	existing, err := r.priorAssociation(ctx, partyID, c.VersionsURL())
	if err != nil {
		return r.fail(res, fmt.Errorf("load prior association for %s: %w", partyID, err))
	}
	if existing != nil && !model.ConsistentRoleSets(existing.Roles, peer.Data.Roles) {
		r.logger.Error("peer attempted role reassignment under existing trust",
			"party_id", existing.ID, "known_roles", existing.Roles, "proposed_roles", peer.Data.Roles)
		return r.fail(res, fmt.Errorf("party %s: %w", existing.ID, ErrInconsistentRoles))
	}
	res.State = StateRolesVerified

	// ROLES_VERIFIED -> REGISTERED. Token C replaces Token A for outbound
	// calls, and the whole record commits in one idempotent upsert.
	c.SetToken(peer.Data.Token)
	versionIDs := make([]model.VersionNumber, 0)
	for _, vi := range c.Directory().Versions() {
		versionIDs = append(versionIDs, vi.Version)
	}
	committed, err := r.store.AddOrUpdateRemoteParty(ctx, party.UpsertParams{
		ID:                partyID,
		Roles:             peer.Data.Roles,
		LocalToken:        tokenB,
		LocalTokenStatus:  model.AccessAllowed,
		RemoteToken:       peer.Data.Token,
		RemoteVersionsURL: peer.Data.URL,
		RemoteVersionIDs:  versionIDs,
		SelectedVersionID: version,
		RemoteTokenBase64: c.TokenBase64(),
		PartyStatus:       model.PartyEnabled,
		RemoteStatus:      model.RemoteOnline,
	})
	if err != nil {
		return r.fail(res, fmt.Errorf("commit party %s: %w", partyID, err))
	}
	res.State = StateRegistered
	res.Party = committed

	if existing != nil {
		if err := r.publisher.PublishCredentialsRotated(ctx, *committed); err != nil {
			r.logger.Warn("failed to publish credentials rotated event", "error", err)
		}
	} else {
		if err := r.publisher.PublishPartyRegistered(ctx, *committed); err != nil {
			r.logger.Warn("failed to publish party registered event", "error", err)
		}
	}

	r.logger.Info("registration complete",
		"party_id", partyID, "version", version, "rotated", existing != nil)
	return res, nil
}

// priorAssociation resolves the party record an earlier handshake against
// this peer committed. The identity in the peer's response is
// attacker-controlled, so a lookup by that identity alone is not enough: a
// registered peer answering a rotation under a fresh (country, party) pair
// would find no prior record and pass role verification vacuously. The
// fallback lookup binds on the versions URL the handshake ran against, which
// the peer cannot choose per response.
func (r *Registrar) priorAssociation(ctx context.Context, partyID, versionsURL string) (*model.RemoteParty, error) {
	existing, err := r.store.GetParty(ctx, partyID)
	if err != nil && !errors.Is(err, party.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	all, err := r.store.ListParties(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		p := &all[i]
		if p.Status != model.PartyEnabled || len(p.Roles) == 0 {
			continue
		}
		for _, ai := range p.RemoteAccessInfos {
			if ai.VersionsURL == versionsURL {
				return p, nil
			}
		}
	}
	return nil, nil
}

// selectVersion returns the version to register under: the forced one when
// given (it must be advertised by the peer and supported by us), else the
// highest version both sides support.
func (r *Registrar) selectVersion(ctx context.Context, c *client.Client, forced model.VersionNumber) (model.VersionNumber, error) {
	versions := c.GetVersions(ctx)
	if !versions.OK() {
		return "", fmt.Errorf("get versions: %w", versions.Err())
	}

	supported := make(map[model.VersionNumber]bool, len(r.local.SupportedVersions))
	for _, v := range r.local.SupportedVersions {
		supported[v] = true
	}

	if forced != "" {
		if !supported[forced] {
			return "", fmt.Errorf("version %s not supported locally: %w", forced, ErrNoCommonVersion)
		}
		for _, vi := range versions.Data {
			if vi.Version == forced {
				return forced, nil
			}
		}
		return "", fmt.Errorf("version %s not advertised by peer: %w", forced, ErrNoCommonVersion)
	}

	var best model.VersionNumber
	for _, vi := range versions.Data {
		if supported[vi.Version] && (best == "" || vi.Version.Compare(best) > 0) {
			best = vi.Version
		}
	}
	if best == "" {
		return "", ErrNoCommonVersion
	}
	return best, nil
}

// fail finalizes a failed run. The party store is deliberately untouched.
func (r *Registrar) fail(res Result, err error) (Result, error) {
	res.FailedAt = res.State
	res.State = StateFailed
	r.logger.Error("registration failed", "failed_at", res.FailedAt, "error", err)
	return res, err
}

// Unregister tears down the relationship: DELETE credentials on the
// peer's side, then transition the local record to its terminal DISABLED
// state. The record is retained for audit.
func (r *Registrar) Unregister(ctx context.Context, c *client.Client, partyID string) error {
	lock := r.peerLock(c.VersionsURL())
	lock.Lock()
	defer lock.Unlock()

	if resp := c.DeleteCredentials(ctx); !resp.OK() {
		// The peer may already have dropped us; disable locally regardless.
		r.logger.Warn("delete credentials on peer failed", "party_id", partyID, "error", resp.Err())
	}
	if err := r.store.DisableParty(ctx, partyID); err != nil {
		return fmt.Errorf("disable party %s: %w", partyID, err)
	}
	if err := r.publisher.PublishPartyDisabled(ctx, partyID); err != nil {
		r.logger.Warn("failed to publish party disabled event", "error", err)
	}
	return nil
}
