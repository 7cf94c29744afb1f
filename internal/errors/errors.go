// Package errors provides standardized error handling for the OCPI peering core.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the OCPI peering core.
type ErrorCode string

const (
	// Request/parse errors
	OCPI_PARSE       ErrorCode = "OCPI_PARSE"       // Malformed JSON or missing envelope fields
	OCPI_VALIDATION  ErrorCode = "OCPI_VALIDATION"  // Payload failed schema validation
	OCPI_BAD_REQUEST ErrorCode = "OCPI_BAD_REQUEST" // Bad request

	// Authentication/authorization errors
	OCPI_AUTHN         ErrorCode = "OCPI_AUTHN"         // Missing or unknown access token
	OCPI_TOKEN_BLOCKED ErrorCode = "OCPI_TOKEN_BLOCKED" // Token known but no longer honored

	// Transport and remote errors
	OCPI_TRANSPORT ErrorCode = "OCPI_TRANSPORT" // Connection/timeout/DNS failure, no response
	OCPI_SERVER    ErrorCode = "OCPI_SERVER"    // Peer returned HTTP 5xx or request timeout
	OCPI_CLIENT    ErrorCode = "OCPI_CLIENT"    // Peer returned HTTP 4xx
	OCPI_PROTOCOL  ErrorCode = "OCPI_PROTOCOL"  // HTTP 2xx but OCPI status_code != 1000

	// Local resolution errors
	OCPI_UNKNOWN_VERSION ErrorCode = "OCPI_UNKNOWN_VERSION" // Version never advertised by the peer
	OCPI_NO_ENDPOINT     ErrorCode = "OCPI_NO_ENDPOINT"     // No endpoint for the (module, role) pair

	// Registration errors
	OCPI_INCONSISTENT_ROLES ErrorCode = "OCPI_INCONSISTENT_ROLES" // Role-set verification failed
	OCPI_NOT_REGISTERED     ErrorCode = "OCPI_NOT_REGISTERED"     // Peer has no registration with us

	// Resource errors
	OCPI_NOT_FOUND ErrorCode = "OCPI_NOT_FOUND" // Resource not found
	OCPI_CONFLICT  ErrorCode = "OCPI_CONFLICT"  // Resource conflict

	// Server errors
	OCPI_INTERNAL    ErrorCode = "OCPI_INTERNAL"    // Internal server error
	OCPI_UNAVAILABLE ErrorCode = "OCPI_UNAVAILABLE" // Service unavailable
)

// OCPI envelope status codes. 1000 is the sole success sentinel; 2xxx are
// client errors, 3xxx server errors. StatusLocalError marks failures where
// no HTTP round trip completed; it never collides with the wire range.
const (
	StatusSuccess            = 1000
	StatusGenericClient      = 2000
	StatusInvalidParams      = 2001
	StatusNotEnoughInfo      = 2002
	StatusGenericServer      = 3000
	StatusUnableToUse        = 3001
	StatusUnsupportedVersion = 3002
	StatusNoMatchingEndpoint = 3003
	StatusLocalError         = -1
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	OCPIStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
		OCPIStatus:    ocpiStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case OCPI_PARSE, OCPI_VALIDATION, OCPI_BAD_REQUEST, OCPI_UNKNOWN_VERSION, OCPI_NO_ENDPOINT:
		return http.StatusBadRequest
	case OCPI_AUTHN:
		return http.StatusUnauthorized
	case OCPI_TOKEN_BLOCKED, OCPI_INCONSISTENT_ROLES:
		return http.StatusForbidden
	case OCPI_NOT_FOUND, OCPI_NOT_REGISTERED:
		return http.StatusNotFound
	case OCPI_CONFLICT:
		return http.StatusConflict
	case OCPI_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ocpiStatusCodeForCode maps error codes to OCPI envelope status codes.
func ocpiStatusCodeForCode(code ErrorCode) int {
	switch code {
	case OCPI_PARSE, OCPI_VALIDATION, OCPI_BAD_REQUEST:
		return StatusInvalidParams
	case OCPI_AUTHN, OCPI_TOKEN_BLOCKED, OCPI_INCONSISTENT_ROLES, OCPI_CLIENT,
		OCPI_NOT_FOUND, OCPI_NOT_REGISTERED, OCPI_CONFLICT:
		return StatusGenericClient
	case OCPI_UNKNOWN_VERSION:
		return StatusUnsupportedVersion
	case OCPI_NO_ENDPOINT:
		return StatusNoMatchingEndpoint
	case OCPI_TRANSPORT:
		return StatusLocalError
	default:
		return StatusGenericServer
	}
}
