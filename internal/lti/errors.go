package lti

import (
	"errors"
	"net/http"
)

// Error taxonomy for the protocol engine. Authentication failures are
// deliberately indistinguishable to the caller: an unknown platform, a bad
// signature, a replayed nonce and an unauthorized deployment all surface the
// same way, so a probing platform learns nothing about which check failed.
var (
	// ErrConfiguration: missing/invalid platform registration, no signing key.
	// Fatal for the request; never retried.
	ErrConfiguration = errors.New("lti: configuration error")

	// ErrAuthentication: the launch could not be trusted.
	ErrAuthentication = errors.New("lti: authentication failed")

	// ErrMalformedRequest: unparseable token or missing required claims.
	ErrMalformedRequest = errors.New("lti: malformed request")

	// ErrUpstreamUnavailable: the platform's key set could not be fetched in
	// time. Treated as an authentication failure at the boundary (fail closed)
	// but kept distinct so operators can tell outage from attack in logs.
	ErrUpstreamUnavailable = errors.New("lti: platform key set unavailable")
)

// HTTPStatus maps an engine error onto a response status. Upstream
// unavailability is reported as 401 so the external behavior is identical to
// any other failed validation.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the uniform, non-leaking message for an engine error.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "tool configuration error"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed request"
	default:
		return "authentication failed"
	}
}
