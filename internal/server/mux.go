// internal/server/mux.go
// Package server implements the inbound OCPI surface: version discovery and
// the credentials receiver endpoints, with token authentication resolved
// against the local party registry.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gridlink/gridlink-ocpi-go/internal/envelope"
	errordefs "github.com/gridlink/gridlink-ocpi-go/internal/errors"
	"github.com/gridlink/gridlink-ocpi-go/internal/event"
	"github.com/gridlink/gridlink-ocpi-go/internal/metrics"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"github.com/gridlink/gridlink-ocpi-go/internal/schema"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyParty         ContextKey = "party"         // Stores the authenticated remote party
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
	ContextKeyRequestID     ContextKey = "requestId"     // Caller-supplied request ID
)

// LocalParty describes our side of the protocol as served to peers.
type LocalParty struct {
	ExternalURL       string                  // Public base URL of this service
	Roles             []model.CredentialsRole // Roles we play
	SupportedVersions []model.VersionNumber   // Protocol versions we serve
}

// Mux handles inbound OCPI requests. It resolves access tokens against the
// party registry, dispatches the versions and credentials modules, and
// writes every response in envelope form.
type Mux struct {
	mux       *http.ServeMux
	store     party.Store
	pub       event.Publisher
	validator *schema.Validator
	metrics   *metrics.Metrics
	local     LocalParty
}

// NewMux creates the OCPI HTTP mux with all endpoints registered.
func NewMux(store party.Store, pub event.Publisher, local LocalParty) (*http.ServeMux, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	m := &Mux{
		mux:       http.NewServeMux(),
		store:     store,
		pub:       pub,
		validator: validator,
		metrics:   metrics.NewMetrics(),
		local:     local,
	}

	// Health and observability endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// OCPI versions module
	m.mux.HandleFunc("/ocpi/versions", m.method(http.MethodGet, m.withMiddleware(m.handleVersions)))
	for _, v := range local.SupportedVersions {
		m.mux.HandleFunc("/ocpi/"+string(v), m.method(http.MethodGet, m.withMiddleware(m.versionDetailHandler(v))))
		m.mux.HandleFunc("/ocpi/"+string(v)+"/credentials", m.withMiddleware(m.credentialsHandler(v)))
	}

	return m.mux, nil
}

// versionsEndpoint is the public URL of our versions listing.
func (m *Mux) versionsEndpoint() string {
	return strings.TrimRight(m.local.ExternalURL, "/") + "/ocpi/versions"
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			m.writeErrorDef(w, errordefs.New(errordefs.OCPI_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// withMiddleware applies correlation tracking, token authentication, and
// request logging to a handler. Every OCPI endpoint, the versions listing
// included, requires a known access token.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, ContextKeyRequestID, requestID)
		w.Header().Set("X-Correlation-ID", correlationID)
		w.Header().Set("X-Request-ID", requestID)

		caller, errDef := m.authenticate(ctx, r)
		if errDef != nil {
			errDef.CorrelationID = correlationID
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
			return
		}
		ctx = context.WithValue(ctx, ContextKeyParty, caller)
		req := r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, req)

		status := fmt.Sprintf("%d", rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		m.logRequest(req, rec.status, time.Since(start), correlationID, nil)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authenticate resolves the Authorization token to a registered party.
// Both plain and base64-encoded token values are accepted, since peers on
// OCPI 2.2+ encode while older ones do not.
func (m *Mux) authenticate(ctx context.Context, r *http.Request) (*model.RemoteParty, *errordefs.Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errordefs.New(errordefs.OCPI_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Token ") {
		return nil, errordefs.New(errordefs.OCPI_AUTHN, "invalid Authorization header format", "")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Token "))

	candidates := []model.AccessToken{model.AccessToken(raw)}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) > 0 {
		candidates = append(candidates, model.AccessToken(decoded))
	}

	for _, token := range candidates {
		p, err := m.store.GetPartyByLocalToken(ctx, token)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				continue
			}
			return nil, errordefs.New(errordefs.OCPI_INTERNAL, "failed to resolve access token", "")
		}
		if !p.LocalTokenAllowed(token) {
			return nil, errordefs.New(errordefs.OCPI_TOKEN_BLOCKED, "access token no longer honored", "")
		}
		return p, nil
	}
	return nil, errordefs.New(errordefs.OCPI_AUTHN, "unknown access token", "")
}

// writeSuccess writes a success envelope around the given payload.
func (m *Mux) writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	resp := envelope.Success[any](data, requestID, correlationID)
	m.writeEnvelope(w, http.StatusOK, resp)
}

// writeEmpty writes a success envelope without data, for acknowledgements.
func (m *Mux) writeEmpty(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := map[string]any{
		"status_code":    errordefs.StatusSuccess,
		"status_message": "Success",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeEnvelope serializes one envelope onto the wire.
func (m *Mux) writeEnvelope(w http.ResponseWriter, httpStatus int, resp envelope.Response[any]) {
	body, err := envelope.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response envelope", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(body)
}

// writeErrorDef writes an error response in envelope form using the error
// definitions package.
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body := map[string]any{
		"status_code":    err.OCPIStatus,
		"status_message": err.Message,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(body)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if p, ok := r.Context().Value(ContextKeyParty).(*model.RemoteParty); ok && p != nil {
		attrs = append(attrs, slog.String("party_id", p.ID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Probe the party store; ErrNotFound still proves it is reachable.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err := m.store.GetParty(ctx, "health-check")
	if err != nil && !errors.Is(err, party.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleVersions handles GET /ocpi/versions.
func (m *Mux) handleVersions(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(m.local.ExternalURL, "/")
	list := make([]model.VersionInformation, 0, len(m.local.SupportedVersions))
	for _, v := range m.local.SupportedVersions {
		list = append(list, model.VersionInformation{
			Version: v,
			URL:     base + "/ocpi/" + string(v),
		})
	}
	m.writeSuccess(w, r, list)
}

// versionDetailHandler builds the GET /ocpi/{version} handler.
func (m *Mux) versionDetailHandler(v model.VersionNumber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := strings.TrimRight(m.local.ExternalURL, "/")
		detail := model.VersionDetail{
			Version: v,
			Endpoints: []model.Endpoint{
				{
					Identifier: model.ModuleCredentials,
					Role:       model.InterfaceReceiver,
					URL:        base + "/ocpi/" + string(v) + "/credentials",
				},
			},
		}
		m.writeSuccess(w, r, detail)
	}
}
