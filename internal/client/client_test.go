package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	errordefs "github.com/gridlink/gridlink-ocpi-go/internal/errors"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestEnvelope renders a success envelope the way a peer would.
func writeTestEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":           data,
		"status_code":    1000,
		"status_message": "Success",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// newVersionsHandler serves a minimal versions + version-details + credentials
// peer surface rooted at the test server.
func newVersionsHandler(t *testing.T, baseURL func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ocpi/versions", func(w http.ResponseWriter, r *http.Request) {
		writeTestEnvelope(w, []map[string]string{
			{"version": "2.1.1", "url": baseURL() + "/ocpi/2.1.1"},
			{"version": "2.2.1", "url": baseURL() + "/ocpi/2.2.1"},
		})
	})
	mux.HandleFunc("/ocpi/2.2.1", func(w http.ResponseWriter, r *http.Request) {
		writeTestEnvelope(w, map[string]any{
			"version": "2.2.1",
			"endpoints": []map[string]string{
				{"identifier": "credentials", "role": "RECEIVER", "url": baseURL() + "/ocpi/2.2.1/credentials"},
			},
		})
	})
	return mux
}

func TestGetVersionsPopulatesDirectory(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(newVersionsHandler(t, func() string { return srvURL }))
	defer srv.Close()
	srvURL = srv.URL

	c := New(Options{VersionsURL: srv.URL + "/ocpi/versions", Token: "token-a"})

	r := c.GetVersions(context.Background())
	require.True(t, r.OK(), "status: %d %s", r.StatusCode, r.StatusMessage)
	require.Len(t, r.Data, 2)
	assert.Len(t, c.Directory().Versions(), 2)
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeTestEnvelope(w, []map[string]string{})
	}))
	defer srv.Close()

	c := New(Options{VersionsURL: srv.URL, Token: "secret", TokenBase64: true})
	r := c.GetVersions(context.Background())
	require.True(t, r.OK())

	assert.Equal(t, "Token c2VjcmV0", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.NotEmpty(t, got.Get("X-Request-ID"))
	assert.NotEmpty(t, got.Get("X-Correlation-ID"))
}

func TestRetryBudgetExhaustedOnServerError(t *testing.T) {
	var calls atomic.Int32
	requestIDs := make(map[string]bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		requestIDs[r.Header.Get("X-Request-ID")] = true
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Options{VersionsURL: srv.URL, Token: "t", MaxRetries: 2})
	r := c.GetVersions(context.Background())

	assert.False(t, r.OK())
	assert.Equal(t, errordefs.StatusGenericServer, r.StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, r.HTTPStatus)
	assert.Equal(t, int32(3), calls.Load(), "budget of 2 retries means 3 attempts")
	assert.Len(t, requestIDs, 1, "all attempts reuse the same request ID")
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Options{VersionsURL: srv.URL, Token: "t", MaxRetries: 3})
	r := c.GetVersions(context.Background())

	assert.False(t, r.OK())
	assert.Equal(t, errordefs.StatusGenericClient, r.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are conclusive, never retried")
}

func TestPeerEnvelopeOnErrorPassesThroughVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status_code":2001,"status_message":"missing roles","timestamp":"2026-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	c := New(Options{VersionsURL: srv.URL, Token: "t"})
	r := c.GetVersions(context.Background())

	assert.Equal(t, 2001, r.StatusCode)
	assert.Equal(t, "missing roles", r.StatusMessage)
	assert.Equal(t, http.StatusBadRequest, r.HTTPStatus)
}

func TestPostCredentialsNeverRetried(t *testing.T) {
	var credentialCalls atomic.Int32
	var srvURL string
	mux := http.NewServeMux()
	mux.Handle("/", newVersionsHandler(t, func() string { return srvURL }))
	mux.HandleFunc("/ocpi/2.2.1/credentials", func(w http.ResponseWriter, r *http.Request) {
		credentialCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := New(Options{VersionsURL: srv.URL + "/ocpi/versions", Token: "t", MaxRetries: 3})
	r := c.PostCredentials(context.Background(), model.Credentials{Token: "b"})

	assert.False(t, r.OK())
	assert.Equal(t, int32(1), credentialCalls.Load(),
		"an ambiguous credentials write must not be replayed")
}

func TestTransportFailureYieldsLocalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(Options{VersionsURL: srv.URL, Token: "t", MaxRetries: 1})
	r := c.GetVersions(context.Background())

	assert.False(t, r.OK())
	assert.Equal(t, errordefs.StatusLocalError, r.StatusCode)
	assert.Zero(t, r.HTTPStatus)
}

func TestCancellationAbortsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Options{VersionsURL: srv.URL, Token: "t", MaxRetries: 10})

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	r := c.GetVersions(ctx)

	assert.False(t, r.OK())
	assert.Less(t, calls.Load(), int32(11), "cancellation must cut the retry loop short")
}

func TestSetTokenAffectsSubsequentCalls(t *testing.T) {
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		writeTestEnvelope(w, []map[string]string{})
	}))
	defer srv.Close()

	c := New(Options{VersionsURL: srv.URL, Token: "token-a"})
	c.GetVersions(context.Background())
	assert.Equal(t, "Token token-a", lastAuth)

	c.SetToken("token-c")
	c.GetVersions(context.Background())
	assert.Equal(t, "Token token-c", lastAuth)
}

func TestMintTokenUnique(t *testing.T) {
	a := MintToken()
	b := MintToken()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
