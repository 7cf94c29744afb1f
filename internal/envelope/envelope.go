// internal/envelope/envelope.go
// Package envelope implements the OCPI response envelope: the
// {data, status_code, status_message, timestamp} wrapper carried by every
// OCPI response body. It provides constructors for success and failure
// envelopes and parsers for the single-object and array data shapes.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	errordefs "github.com/gridlink/gridlink-ocpi-go/internal/errors"
)

// Response is one OCPI envelope, parameterized by the payload type.
// A Response is never mutated after construction; retries build fresh
// instances and the last one is returned to the caller.
//
// Invariant: Data holds a meaningful value if and only if
// StatusCode == errors.StatusSuccess. Consumers must check OK() before
// touching Data.
type Response[T any] struct {
	Data          T         // Payload; zero value unless OK()
	StatusCode    int       // OCPI status code; 1000 is the sole success sentinel
	StatusMessage string    // Human-readable status detail
	Timestamp     time.Time // When the envelope was produced
	HTTPStatus    int       // Raw HTTP status of the response, 0 if none
	RequestID     string    // X-Request-ID the envelope belongs to
	CorrelationID string    // X-Correlation-ID the envelope belongs to
}

// OK reports whether the envelope carries a successful payload.
func (r Response[T]) OK() bool {
	return r.StatusCode == errordefs.StatusSuccess
}

// Err converts a failed envelope into a Go error. It returns nil for
// successful envelopes.
func (r Response[T]) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("ocpi status %d: %s", r.StatusCode, r.StatusMessage)
}

// wire is the JSON shape of the envelope on the wire. StatusCode is a
// pointer so an absent status_code field is distinguishable from zero.
type wire struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    *int            `json:"status_code"`
	StatusMessage string          `json:"status_message,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// Success builds a success envelope around the given payload.
func Success[T any](data T, requestID, correlationID string) Response[T] {
	return Response[T]{
		Data:          data,
		StatusCode:    errordefs.StatusSuccess,
		StatusMessage: "Success",
		Timestamp:     time.Now().UTC(),
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// Failure builds an envelope for a protocol-level failure with an explicit
// OCPI status code, typically echoing what a peer returned.
func Failure[T any](statusCode int, message string, httpStatus int, requestID, correlationID string) Response[T] {
	return Response[T]{
		StatusCode:    statusCode,
		StatusMessage: message,
		Timestamp:     time.Now().UTC(),
		HTTPStatus:    httpStatus,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// LocalError builds an envelope for a local failure: no HTTP round trip
// completed, or a local fault occurred before one could. The status code is
// the -1 sentinel, which never collides with OCPI's wire range.
func LocalError[T any](message string, requestID, correlationID string) Response[T] {
	return Response[T]{
		StatusCode:    errordefs.StatusLocalError,
		StatusMessage: message,
		Timestamp:     time.Now().UTC(),
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// FromError wraps a Go error into a local-failure envelope.
func FromError[T any](err error, requestID, correlationID string) Response[T] {
	return LocalError[T](err.Error(), requestID, correlationID)
}

// Marshal renders the envelope into its wire JSON shape. Failed envelopes
// omit the data field entirely.
func Marshal[T any](r Response[T]) ([]byte, error) {
	w := wire{
		StatusCode:    &r.StatusCode,
		StatusMessage: r.StatusMessage,
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339),
	}
	if r.OK() {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// ParseObject parses a response body whose data field must be a single JSON
// object. Parse failures are captured as local-failure envelopes, never
// returned as Go errors; the missing or malformed pieces are named in the
// status message.
func ParseObject[T any](httpStatus int, body []byte, requestID, correlationID string) Response[T] {
	w, resp := parseWire[T](httpStatus, body, requestID, correlationID)
	if resp != nil {
		return *resp
	}

	r := Response[T]{
		StatusCode:    *w.StatusCode,
		StatusMessage: w.StatusMessage,
		Timestamp:     parseTimestamp(w.Timestamp),
		HTTPStatus:    httpStatus,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
	if !r.OK() {
		return r
	}
	if len(w.Data) == 0 {
		return LocalError[T]("success envelope without data object", requestID, correlationID)
	}
	if err := json.Unmarshal(w.Data, &r.Data); err != nil {
		return LocalError[T](fmt.Sprintf("invalid data object: %v", err), requestID, correlationID)
	}
	return r
}

// ParseArray parses a response body whose data field must be a JSON array.
// Each element is decoded independently; a single malformed element fails
// the whole parse. Partial arrays are never returned.
func ParseArray[T any](httpStatus int, body []byte, requestID, correlationID string) Response[[]T] {
	w, resp := parseWire[[]T](httpStatus, body, requestID, correlationID)
	if resp != nil {
		return *resp
	}

	r := Response[[]T]{
		StatusCode:    *w.StatusCode,
		StatusMessage: w.StatusMessage,
		Timestamp:     parseTimestamp(w.Timestamp),
		HTTPStatus:    httpStatus,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
	if !r.OK() {
		return r
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(w.Data, &elements); err != nil {
		return LocalError[[]T](fmt.Sprintf("data is not a JSON array: %v", err), requestID, correlationID)
	}
	items := make([]T, 0, len(elements))
	for i, raw := range elements {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return LocalError[[]T](fmt.Sprintf("invalid data element %d: %v", i, err), requestID, correlationID)
		}
		items = append(items, item)
	}
	r.Data = items
	return r
}

// ParseEmpty parses a response body whose data field may be absent or null,
// as with DELETE acknowledgements. The envelope status still decides success.
func ParseEmpty(httpStatus int, body []byte, requestID, correlationID string) Response[struct{}] {
	w, resp := parseWire[struct{}](httpStatus, body, requestID, correlationID)
	if resp != nil {
		return *resp
	}
	return Response[struct{}]{
		StatusCode:    *w.StatusCode,
		StatusMessage: w.StatusMessage,
		Timestamp:     parseTimestamp(w.Timestamp),
		HTTPStatus:    httpStatus,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// parseWire decodes the outer envelope shape. It returns a ready failure
// envelope when the top level is not a JSON object or status_code is absent.
func parseWire[T any](httpStatus int, body []byte, requestID, correlationID string) (wire, *Response[T]) {
	var w wire
	if err := json.Unmarshal(body, &w); err != nil {
		r := LocalError[T](fmt.Sprintf("invalid envelope: %v", err), requestID, correlationID)
		r.HTTPStatus = httpStatus
		return w, &r
	}
	if w.StatusCode == nil {
		r := LocalError[T]("envelope missing status_code", requestID, correlationID)
		r.HTTPStatus = httpStatus
		return w, &r
	}
	return w, nil
}

// parseTimestamp is lenient: peers emit a few RFC3339 variants and a bad
// timestamp is not worth failing an otherwise valid envelope over.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
