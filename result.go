package identity

import "strings"

// Error codes reported in login-side results. Provider errors
// (invalid_grant, access_denied, ...) pass through unchanged.
const (
	// ErrorCodeConfiguration indicates the engine is missing required
	// configuration. Reported as a result so the caller can render a
	// friendly page instead of crashing the request.
	ErrorCodeConfiguration = "configuration_error"
	// ErrorCodeInvalidScope indicates the provider granted fewer scopes
	// than explicitly requested.
	// https://datatracker.ietf.org/doc/html/rfc6749#section-5.2
	ErrorCodeInvalidScope = "invalid_scope"
	// ErrorCodeInteractionRequired indicates no token could be acquired
	// silently and the user needs to log in and/or consent.
	ErrorCodeInteractionRequired = "interaction_required"
	// ErrorCodeServerError indicates the flow could not be started or
	// redeemed due to an upstream failure.
	ErrorCodeServerError = "server_error"
)

// LoginResult is the outcome of starting a login.
type LoginResult struct {
	// AuthURI is where to send the end user. For device flows it is the
	// verification URI.
	AuthURI string
	// UserCode is the code the end user enters at the verification URI.
	// Only set for device flows.
	UserCode string

	Error            string
	ErrorDescription string
}

// Failed reports whether the login could not be started.
func (r *LoginResult) Failed() bool { return r.Error != "" }

// CompleteResult is the outcome of completing a login. The zero value
// is the no-op result: nothing was redeemed and nothing failed, which
// is the expected outcome for auxiliary-flow responses and for sessions
// that lost their pending flow.
type CompleteResult struct {
	// NextLink is the post-login redirect target stored when the flow
	// was started, if any.
	NextLink string

	Error            string
	ErrorDescription string
}

// Failed reports whether the login completion failed.
func (r *CompleteResult) Failed() bool { return r.Error != "" }

// noOpStatePrefix tags state values whose auth responses the main
// completion handler must ignore.
const noOpStatePrefix = "identity.noop:"

// NoOpState returns a state value for an auxiliary flow (edit-profile,
// reset-password, ...) that shares the main login's redirect URI.
// CompleteLogIn ignores any auth response carrying such a state, so any
// number of parallel auxiliary flows can be distinguished by flowID and
// completed by their own handlers.
func NoOpState(flowID string) string {
	return noOpStatePrefix + flowID
}

// NoOpFlowID returns the flow id embedded in an auxiliary-flow state
// value, and whether the state is one.
func NoOpFlowID(state string) (string, bool) {
	if !strings.HasPrefix(state, noOpStatePrefix) {
		return "", false
	}
	return strings.TrimPrefix(state, noOpStatePrefix), true
}
