package identity

import (
	"context"
	"errors"
	"net/url"
)

// FlowKind identifies which OAuth2 flow an AuthFlow belongs to.
type FlowKind string

const (
	// FlowAuthCode is the authorization-code flow, for apps with a
	// registered redirect URI.
	FlowAuthCode FlowKind = "auth_code"
	// FlowDevice is the device-code flow, for apps without one.
	FlowDevice FlowKind = "device"
)

// AuthFlow is the transient record produced by starting a login and
// consumed by completing it. It carries the provider continuation state
// needed to redeem the flow, plus the engine-added RequestedScopes and
// NextLink fields. It is JSON-serialized into the session between the
// two legs.
type AuthFlow struct {
	Kind FlowKind `json:"kind"`

	// AuthURI is where the end user should be sent to authenticate. For
	// device flows this is the verification URI.
	AuthURI string `json:"auth_uri"`

	// Auth-code flow continuation state.
	State        string `json:"state,omitempty"`
	PKCEVerifier string `json:"pkce_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`

	// Device flow continuation state.
	DeviceCode      string   `json:"device_code,omitempty"`
	UserCode        string   `json:"user_code,omitempty"`
	PollInterval    int64    `json:"poll_interval,omitempty"`
	ExpiresAt       UnixTime `json:"expires_at,omitempty"`

	// Scopes as sent to the provider, which may include scopes the
	// client implementation injected (openid, offline_access, ...).
	Scopes []string `json:"scopes,omitempty"`

	// RequestedScopes are the scopes the caller explicitly asked for.
	// Kept separate from Scopes so a partial grant can be detected
	// against what the caller actually wanted.
	RequestedScopes []string `json:"requested_scopes,omitempty"`

	// NextLink is the page to redirect to after a successful login.
	NextLink string `json:"next_link,omitempty"`
}

// Account identifies a cached signed-in account within a TokenCache.
type Account struct {
	// HomeAccountID uniquely identifies the account at its authority.
	HomeAccountID string `json:"home_account_id"`
	// Username is the account's preferred_username.
	Username string `json:"username,omitempty"`
	// Environment is the host of the authority the account came from.
	Environment string `json:"environment,omitempty"`
	// Realm is the tenant the account belongs to, where applicable.
	Realm string `json:"realm,omitempty"`
}

// TokenResult is the outcome of a token acquisition. It mirrors the
// OAuth2 token response: either an access token (with its metadata and,
// for user flows, the validated ID-token claims), or a provider error.
//
// https://www.rfc-editor.org/rfc/rfc6749#section-5
type TokenResult struct {
	AccessToken   string      `json:"access_token,omitempty"`
	TokenType     string      `json:"token_type,omitempty"`
	ExpiresIn     int64       `json:"expires_in,omitempty"`
	RefreshToken  string      `json:"refresh_token,omitempty"`
	IDTokenClaims *UserClaims `json:"id_token_claims,omitempty"`
	// Scope is the space-delimited set of scopes the provider actually
	// granted, when it differs from the request.
	Scope string `json:"scope,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Failed reports whether the result carries a provider error.
func (t *TokenResult) Failed() bool { return t.Error != "" }

var (
	// ErrStateMismatch is returned by RedeemAuthCodeFlow when the auth
	// response fails value validation against the stored flow, typically
	// a CSRF/state mismatch. The engine treats it as a non-actionable
	// no-op.
	ErrStateMismatch = errors.New("auth response does not match flow state")

	// ErrDeviceFlowNotSupported is returned by InitiateDeviceFlow when
	// the authority does not publish a device authorization endpoint.
	ErrDeviceFlowNotSupported = errors.New("authority does not support the device flow")
)

// AuthCodeOptions carries the optional parameters for starting an
// authorization-code flow.
type AuthCodeOptions struct {
	// RedirectURI is the absolute callback URI registered for the app.
	RedirectURI string
	// State is the CSRF state to round-trip. A random value is generated
	// if empty.
	State string
	// Prompt, if set, is passed through to the authorization request.
	// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
	Prompt string
}

// OAuthClient is the token-acquisition collaborator the engine drives.
// Implementations are short-lived: the engine builds a fresh client per
// operation, bound to the per-session TokenCache.
//
// Provider-reported failures (invalid_grant, access_denied, ...) are
// returned inside the TokenResult, not as errors; errors are reserved
// for transport failures and value validation.
type OAuthClient interface {
	// InitiateAuthCodeFlow starts an authorization-code flow.
	InitiateAuthCodeFlow(ctx context.Context, scopes []string, opts AuthCodeOptions) (*AuthFlow, error)
	// InitiateDeviceFlow starts a device-code flow.
	InitiateDeviceFlow(ctx context.Context, scopes []string) (*AuthFlow, error)
	// RedeemAuthCodeFlow redeems the code carried in authResponse
	// against the stored flow. Returns ErrStateMismatch if the response
	// fails validation against the flow.
	RedeemAuthCodeFlow(ctx context.Context, flow *AuthFlow, authResponse url.Values) (*TokenResult, error)
	// RedeemDeviceFlow polls the device flow to completion.
	RedeemDeviceFlow(ctx context.Context, flow *AuthFlow) (*TokenResult, error)
	// AcquireTokenSilently returns a token for the account from cached
	// credentials, refreshing if needed or if forceRefresh is set. A nil
	// result with nil error means the cache held nothing usable.
	AcquireTokenSilently(ctx context.Context, scopes []string, account *Account, forceRefresh bool) (*TokenResult, error)
	// AcquireTokenForClient acquires an app-only token using the client
	// credentials grant.
	AcquireTokenForClient(ctx context.Context, scopes []string) (*TokenResult, error)
	// Accounts lists the cached accounts, optionally filtered by
	// username.
	Accounts(ctx context.Context, usernameHint string) ([]Account, error)
}

// ClientFactory builds OAuthClients. A long-lived factory holds the
// client registration (authority, client id, optional credential) and
// any shared HTTP-metadata cache; per-operation state lives in the
// passed TokenCache.
type ClientFactory interface {
	// NewClient returns a client bound to cache. When confidential is
	// true the client authenticates with the configured client
	// credential; callers must only request this when a credential was
	// configured. cache may be nil for operations that do not touch
	// tokens (flow initiation).
	NewClient(cache *TokenCache, confidential bool) (OAuthClient, error)
}
