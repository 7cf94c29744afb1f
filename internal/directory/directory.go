// internal/directory/directory.go
// Package directory maintains the per-peer cache of supported OCPI versions
// and the endpoint URL for each (module, interface role) pair within a
// version. One Directory instance exists per remote party; cache mutation
// is atomic whole-map replacement, never a partial merge, so entries for
// versions a peer has dropped disappear on refresh.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gridlink/gridlink-ocpi-go/internal/model"
)

// Standard errors returned by the directory
var (
	ErrUnknownVersion = errors.New("version not advertised by peer") // Requested version was never advertised
	ErrNoEndpoint     = errors.New("no matching endpoint")           // No endpoint serves the (module, role) pair
	ErrNoVersions     = errors.New("peer advertises no versions")    // Versions list is empty after refresh
)

// Fetcher performs the network calls the directory needs to populate
// itself. The protocol client implements it.
type Fetcher interface {
	// FetchVersions retrieves the peer's supported version list.
	FetchVersions(ctx context.Context) ([]model.VersionInformation, error)
	// FetchVersionDetail retrieves the endpoint table behind a version URL.
	FetchVersionDetail(ctx context.Context, url string) (model.VersionDetail, error)
}

// Directory is the per-peer version and endpoint cache.
type Directory struct {
	fetcher Fetcher

	// refreshMu serializes in-flight refreshes so concurrent resolvers
	// wait for one network call instead of issuing duplicates.
	refreshMu sync.Mutex

	// mu guards the cache maps and the selection.
	mu       sync.RWMutex
	versions map[model.VersionNumber]string
	details  map[model.VersionNumber]model.VersionDetail
	selected model.VersionNumber
}

// New creates an empty directory backed by the given fetcher.
func New(fetcher Fetcher) *Directory {
	return &Directory{
		fetcher:  fetcher,
		versions: make(map[model.VersionNumber]string),
		details:  make(map[model.VersionNumber]model.VersionDetail),
	}
}

// SetVersions replaces the whole versions map. Cached details and the
// selection are dropped for versions no longer present.
func (d *Directory) SetVersions(list []model.VersionInformation) {
	m := make(map[model.VersionNumber]string, len(list))
	for _, vi := range list {
		m[vi.Version] = vi.URL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.versions = m
	for v := range d.details {
		if _, ok := m[v]; !ok {
			delete(d.details, v)
		}
	}
	if _, ok := m[d.selected]; !ok {
		d.selected = ""
	}
}

// SetVersionDetail replaces the single cached detail for its version.
func (d *Directory) SetVersionDetail(detail model.VersionDetail) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.details[detail.Version] = detail
}

// SelectVersion marks a version as the one module resolution uses. The
// version must already be in the versions cache.
func (d *Directory) SelectVersion(v model.VersionNumber) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.versions[v]; !ok {
		return fmt.Errorf("select version %s: %w", v, ErrUnknownVersion)
	}
	d.selected = v
	return nil
}

// SelectedVersion returns the explicitly selected version, or else the
// highest cached version, or "" when nothing is cached.
func (d *Directory) SelectedVersion() model.VersionNumber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectedLocked()
}

func (d *Directory) selectedLocked() model.VersionNumber {
	if d.selected != "" {
		return d.selected
	}
	var best model.VersionNumber
	for v := range d.versions {
		if best == "" || v.Compare(best) > 0 {
			best = v
		}
	}
	return best
}

// Versions returns a copy of the cached version list.
func (d *Directory) Versions() []model.VersionInformation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := make([]model.VersionInformation, 0, len(d.versions))
	for v, url := range d.versions {
		list = append(list, model.VersionInformation{Version: v, URL: url})
	}
	return list
}

// VersionURL returns the detail URL for a cached version.
func (d *Directory) VersionURL(v model.VersionNumber) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	url, ok := d.versions[v]
	return url, ok
}

// VersionDetail returns the cached endpoint table for a version.
func (d *Directory) VersionDetail(v model.VersionNumber) (model.VersionDetail, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	detail, ok := d.details[v]
	return detail, ok
}

// Endpoint is the pure cache lookup: the URL serving (module, role) in the
// given version, without any network fallback.
func (d *Directory) Endpoint(v model.VersionNumber, module model.ModuleID, role model.InterfaceRole) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	detail, ok := d.details[v]
	if !ok {
		return "", false
	}
	for _, ep := range detail.Endpoints {
		if ep.Identifier == module && ep.Role == role {
			return ep.URL, true
		}
	}
	return "", false
}

// RefreshVersions fetches the peer's version list and atomically replaces
// the whole cache. A failed fetch leaves the previous cache untouched.
func (d *Directory) RefreshVersions(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return d.refreshVersions(ctx)
}

// refreshVersions must be called with refreshMu held.
func (d *Directory) refreshVersions(ctx context.Context) error {
	list, err := d.fetcher.FetchVersions(ctx)
	if err != nil {
		return fmt.Errorf("refresh versions: %w", err)
	}
	d.SetVersions(list)
	return nil
}

// RefreshVersionDetails fetches the endpoint table for one version and
// replaces the cached entry. The version must already be advertised.
func (d *Directory) RefreshVersionDetails(ctx context.Context, v model.VersionNumber) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return d.refreshVersionDetails(ctx, v)
}

// refreshVersionDetails must be called with refreshMu held.
func (d *Directory) refreshVersionDetails(ctx context.Context, v model.VersionNumber) error {
	url, ok := d.VersionURL(v)
	if !ok {
		return fmt.Errorf("version %s: %w", v, ErrUnknownVersion)
	}
	detail, err := d.fetcher.FetchVersionDetail(ctx, url)
	if err != nil {
		return fmt.Errorf("refresh version details %s: %w", v, err)
	}
	detail.Version = v
	d.SetVersionDetail(detail)
	return nil
}

// Resolve returns the endpoint URL serving (module, role). When the cache
// is cold it refreshes the versions list once, then the version detail of
// the selected (or highest) version. Concurrent resolvers against a cold
// cache share one refresh rather than issuing duplicate network calls.
func (d *Directory) Resolve(ctx context.Context, module model.ModuleID, role model.InterfaceRole) (string, error) {
	v := d.SelectedVersion()
	if v == "" {
		if err := d.ensureVersions(ctx); err != nil {
			return "", err
		}
		v = d.SelectedVersion()
		if v == "" {
			return "", ErrNoVersions
		}
	}

	if url, ok := d.Endpoint(v, module, role); ok {
		return url, nil
	}
	if err := d.ensureVersionDetail(ctx, v); err != nil {
		return "", err
	}
	url, ok := d.Endpoint(v, module, role)
	if !ok {
		return "", fmt.Errorf("module %s role %s in version %s: %w", module, role, v, ErrNoEndpoint)
	}
	return url, nil
}

// ensureVersions refreshes the versions cache only when it is still empty
// after any in-flight refresh completes.
func (d *Directory) ensureVersions(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	d.mu.RLock()
	cached := len(d.versions)
	d.mu.RUnlock()
	if cached > 0 {
		return nil
	}
	return d.refreshVersions(ctx)
}

// ensureVersionDetail refreshes the detail for v only when it is still
// missing after any in-flight refresh completes.
func (d *Directory) ensureVersionDetail(ctx context.Context, v model.VersionNumber) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	if _, ok := d.VersionDetail(v); ok {
		return nil
	}
	return d.refreshVersionDetails(ctx, v)
}
