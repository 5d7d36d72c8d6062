package apiauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// BearerErrorCode are the error codes that can be returned in a bearer
// token challenge.
//
// https://tools.ietf.org/html/rfc6750#section-3.1
type BearerErrorCode string

const (
	// BearerErrorCodeInvalidRequest: the request is malformed, repeats a
	// parameter, or uses more than one method for including an access
	// token.
	BearerErrorCodeInvalidRequest BearerErrorCode = "invalid_request"
	// BearerErrorCodeInvalidToken: the access token provided is expired,
	// revoked, malformed, or invalid for other reasons. The client may
	// request a new access token and retry.
	BearerErrorCodeInvalidToken BearerErrorCode = "invalid_token"
	// BearerErrorCodeInsufficientScope: the request requires higher
	// privileges than provided by the access token.
	BearerErrorCodeInsufficientScope BearerErrorCode = "insufficient_scope"
)

// statusForCode maps challenge error codes to the HTTP status each
// should be served with.
//
// https://tools.ietf.org/html/rfc6750#section-3.1
func statusForCode(code BearerErrorCode) int {
	switch code {
	case BearerErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case BearerErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case BearerErrorCodeInsufficientScope:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// BearerError represents the contents of the WWW-Authenticate header
// for requests failing to auth under OAuth2 bearer token usage.
//
// https://tools.ietf.org/html/rfc6750#section-3
type BearerError struct {
	Realm       string
	Code        BearerErrorCode
	Description string
	ErrorURI    string
	// Scopes necessary to access the protected resource, emitted on
	// insufficient_scope challenges.
	Scopes []string
}

// String encodes the challenge in a format suitable for the
// WWW-Authenticate header. Only non-empty fields are emitted; embedded
// double quotes in values are replaced with single quotes. A challenge
// with no fields at all renders as the bare scheme.
func (b *BearerError) String() string {
	var params []string
	add := func(k, v string) {
		if v != "" {
			params = append(params, fmt.Sprintf("%s=%q", k, strings.ReplaceAll(v, `"`, "'")))
		}
	}
	add("realm", b.Realm)
	add("error", string(b.Code))
	add("error_description", b.Description)
	add("error_uri", b.ErrorURI)
	add("scope", strings.Join(b.Scopes, " "))
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// HTTPError is a structured validation failure carrying the status code
// and WWW-Authenticate header the caller should translate directly into
// an HTTP response.
type HTTPError struct {
	Code int
	// Description of the failure, for logs and response bodies. Not part
	// of the challenge header.
	Description string
	// WWWAuthenticate is sent in the corresponding header field when
	// non-empty.
	WWWAuthenticate string
}

func (h *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", h.Code, h.Description)
}

// WriteError renders a validation failure as an HTTP response. Errors
// that are not *HTTPError become an internal server error.
func WriteError(w http.ResponseWriter, err error) {
	var herr *HTTPError
	if !errors.As(err, &herr) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if herr.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", herr.WWWAuthenticate)
	}
	code := herr.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	http.Error(w, herr.Description, code)
}
