// internal/client/calls.go
// The outbound OCPI operations: version discovery and the credentials
// verbs. All failures are captured in envelope form rather than returned
// as Go errors; callers inspect StatusCode and StatusMessage.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/directory"
	"github.com/gridlink/gridlink-ocpi-go/internal/envelope"
	errordefs "github.com/gridlink/gridlink-ocpi-go/internal/errors"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
)

// classify turns one finished request loop into a failure envelope, or
// returns false when the response is a 2xx whose body should be parsed.
func classify[T any](res attemptResult) (envelope.Response[T], bool) {
	if res.err != nil {
		r := envelope.FromError[T](res.err, res.requestID, res.correlationID)
		return r, true
	}
	if res.httpStatus >= 200 && res.httpStatus < 300 {
		return envelope.Response[T]{}, false
	}

	// A non-2xx body may still carry an OCPI envelope; surface its status
	// verbatim when it does.
	parsed := envelope.ParseEmpty(res.httpStatus, res.body, res.requestID, res.correlationID)
	if parsed.StatusCode != errordefs.StatusLocalError {
		return envelope.Failure[T](parsed.StatusCode, parsed.StatusMessage, res.httpStatus, res.requestID, res.correlationID), true
	}

	code := errordefs.StatusGenericClient
	if res.httpStatus >= 500 || res.httpStatus == http.StatusRequestTimeout {
		code = errordefs.StatusGenericServer
	}
	msg := fmt.Sprintf("peer returned HTTP %d", res.httpStatus)
	return envelope.Failure[T](code, msg, res.httpStatus, res.requestID, res.correlationID), true
}

// fetchVersions performs the raw GetVersions call without touching the
// directory.
func (c *Client) fetchVersions(ctx context.Context) envelope.Response[[]model.VersionInformation] {
	start := time.Now()
	res := c.do(ctx, http.MethodGet, c.versionsURL, nil, "versions", true, c.requestTimeout)
	c.recordOutcome(http.MethodGet, "versions", res, start)
	if r, failed := classify[[]model.VersionInformation](res); failed {
		return r
	}
	return envelope.ParseArray[model.VersionInformation](res.httpStatus, res.body, res.requestID, res.correlationID)
}

// GetVersions retrieves the peer's supported versions and, on success,
// atomically replaces the directory's versions cache.
func (c *Client) GetVersions(ctx context.Context) envelope.Response[[]model.VersionInformation] {
	r := c.fetchVersions(ctx)
	if r.OK() {
		c.dir.SetVersions(r.Data)
	}
	return r
}

// GetVersionDetails retrieves the endpoint table of one version, replaces
// the cached entry, and selects the version for subsequent module
// resolution. An empty version selects the highest one the peer advertised.
func (c *Client) GetVersionDetails(ctx context.Context, version model.VersionNumber) envelope.Response[model.VersionDetail] {
	if len(c.dir.Versions()) == 0 {
		if r := c.GetVersions(ctx); !r.OK() {
			return envelope.Failure[model.VersionDetail](r.StatusCode, r.StatusMessage, r.HTTPStatus, r.RequestID, r.CorrelationID)
		}
	}
	if version == "" {
		version = c.dir.SelectedVersion()
		if version == "" {
			return envelope.LocalError[model.VersionDetail]("peer advertises no versions", "", "")
		}
	}
	url, ok := c.dir.VersionURL(version)
	if !ok {
		return envelope.LocalError[model.VersionDetail](
			fmt.Sprintf("version %s: %v", version, directory.ErrUnknownVersion), "", "")
	}

	start := time.Now()
	res := c.do(ctx, http.MethodGet, url, nil, "versions", true, c.requestTimeout)
	c.recordOutcome(http.MethodGet, "versions", res, start)
	if r, failed := classify[model.VersionDetail](res); failed {
		return r
	}
	r := envelope.ParseObject[model.VersionDetail](res.httpStatus, res.body, res.requestID, res.correlationID)
	if r.OK() {
		r.Data.Version = version
		c.dir.SetVersionDetail(r.Data)
		if err := c.dir.SelectVersion(version); err != nil {
			return envelope.FromError[model.VersionDetail](err, res.requestID, res.correlationID)
		}
	}
	return r
}

// resolveCredentialsEndpoint finds the peer's credentials receiver URL,
// filling the directory if needed.
func (c *Client) resolveCredentialsEndpoint(ctx context.Context) (string, error) {
	return c.dir.Resolve(ctx, model.ModuleCredentials, model.InterfaceReceiver)
}

// GetCredentials reads the credentials object the peer holds for us.
func (c *Client) GetCredentials(ctx context.Context) envelope.Response[model.Credentials] {
	url, err := c.resolveCredentialsEndpoint(ctx)
	if err != nil {
		return envelope.FromError[model.Credentials](err, "", "")
	}
	start := time.Now()
	res := c.do(ctx, http.MethodGet, url, nil, model.ModuleCredentials, true, c.requestTimeout)
	c.recordOutcome(http.MethodGet, model.ModuleCredentials, res, start)
	if r, failed := classify[model.Credentials](res); failed {
		return r
	}
	return envelope.ParseObject[model.Credentials](res.httpStatus, res.body, res.requestID, res.correlationID)
}

// PostCredentials initiates registration by offering our credentials. The
// call is never retried: an ambiguous timeout on a registration POST must
// not risk a double-registered handshake. It uses the longer registration
// timeout since the peer may make outbound calls before answering.
func (c *Client) PostCredentials(ctx context.Context, creds model.Credentials) envelope.Response[model.Credentials] {
	return c.sendCredentials(ctx, http.MethodPost, creds)
}

// PutCredentials rotates credentials for an established registration.
// Like POST, it is never retried.
func (c *Client) PutCredentials(ctx context.Context, creds model.Credentials) envelope.Response[model.Credentials] {
	return c.sendCredentials(ctx, http.MethodPut, creds)
}

// sendCredentials is the shared write path for POST and PUT.
func (c *Client) sendCredentials(ctx context.Context, method string, creds model.Credentials) envelope.Response[model.Credentials] {
	url, err := c.resolveCredentialsEndpoint(ctx)
	if err != nil {
		return envelope.FromError[model.Credentials](err, "", "")
	}
	start := time.Now()
	res := c.do(ctx, method, url, creds, model.ModuleCredentials, false, c.registrationTimeout)
	c.recordOutcome(method, model.ModuleCredentials, res, start)
	if r, failed := classify[model.Credentials](res); failed {
		return r
	}
	return envelope.ParseObject[model.Credentials](res.httpStatus, res.body, res.requestID, res.correlationID)
}

// DeleteCredentials tears down the registration on the peer's side.
func (c *Client) DeleteCredentials(ctx context.Context) envelope.Response[struct{}] {
	url, err := c.resolveCredentialsEndpoint(ctx)
	if err != nil {
		return envelope.FromError[struct{}](err, "", "")
	}
	start := time.Now()
	res := c.do(ctx, http.MethodDelete, url, nil, model.ModuleCredentials, true, c.requestTimeout)
	c.recordOutcome(http.MethodDelete, model.ModuleCredentials, res, start)
	if r, failed := classify[struct{}](res); failed {
		return r
	}
	return envelope.ParseEmpty(res.httpStatus, res.body, res.requestID, res.correlationID)
}

// FetchVersions implements directory.Fetcher with the raw versions call.
func (c *Client) FetchVersions(ctx context.Context) ([]model.VersionInformation, error) {
	r := c.fetchVersions(ctx)
	if !r.OK() {
		c.metrics.DirectoryRefreshTotal.WithLabelValues("versions", "error").Inc()
		return nil, r.Err()
	}
	c.metrics.DirectoryRefreshTotal.WithLabelValues("versions", "ok").Inc()
	return r.Data, nil
}

// FetchVersionDetail implements directory.Fetcher.
func (c *Client) FetchVersionDetail(ctx context.Context, url string) (model.VersionDetail, error) {
	start := time.Now()
	res := c.do(ctx, http.MethodGet, url, nil, "versions", true, c.requestTimeout)
	c.recordOutcome(http.MethodGet, "versions", res, start)
	if r, failed := classify[model.VersionDetail](res); failed {
		c.metrics.DirectoryRefreshTotal.WithLabelValues("version_details", "error").Inc()
		return model.VersionDetail{}, r.Err()
	}
	r := envelope.ParseObject[model.VersionDetail](res.httpStatus, res.body, res.requestID, res.correlationID)
	if !r.OK() {
		c.metrics.DirectoryRefreshTotal.WithLabelValues("version_details", "error").Inc()
		return model.VersionDetail{}, r.Err()
	}
	c.metrics.DirectoryRefreshTotal.WithLabelValues("version_details", "ok").Inc()
	return r.Data, nil
}
