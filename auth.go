package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/identitykit/identity/discovery"
)

// DefaultClockSkew is how far past its expiry a stored ID token is
// still considered fresh. Generous, to absorb clock drift between the
// identity provider and this process.
const DefaultClockSkew = 210 * time.Second

// Config holds the registration of a web app with its authority.
type Config struct {
	// ClientID of the web app, issued by its authority. Required; its
	// absence is reported as a configuration_error result at login time
	// so a friendly page can be rendered.
	ClientID string

	// OIDCAuthority is the authority the app registered with, used
	// as-is: the engine appends /.well-known/openid-configuration to
	// form the metadata endpoint.
	OIDCAuthority string
	// Authority is an alternative to OIDCAuthority for authorities that
	// version their metadata endpoint; it is likewise used as-is for
	// logout discovery.
	Authority string

	// ClientCredential, if set, makes token redemptions use a
	// confidential client.
	ClientCredential string

	// Factory builds the OAuth clients that acquire tokens. Required.
	Factory ClientFactory

	// HTTPClient used for metadata fetches. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// SharedCache caches metadata fetches across all clients of this
	// engine. One is created if not set.
	SharedCache *discovery.SharedCache

	// ClockSkew overrides DefaultClockSkew.
	ClockSkew time.Duration
	// IDTokenLifetime, if set, overrides the token's own expiry for the
	// freshness check: the stored user is fresh while
	// now < issued-at + IDTokenLifetime.
	IDTokenLifetime time.Duration

	// Logger for the engine. Defaults to slog.Default().
	Logger *slog.Logger
}

// Auth is the identity helper for a web app. It is expected to be
// long-lived; all per-request state lives in the Session passed to each
// call.
type Auth struct {
	clientID   string
	credential string

	factory ClientFactory
	disc    *discovery.Client

	clockSkew       time.Duration
	idTokenLifetime time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// New creates an engine from the given configuration. Missing required
// configuration is not an error here; it surfaces as structured results
// from the login operations.
func New(cfg Config) *Auth {
	a := &Auth{
		clientID:        cfg.ClientID,
		credential:      cfg.ClientCredential,
		factory:         cfg.Factory,
		clockSkew:       cfg.ClockSkew,
		idTokenLifetime: cfg.IDTokenLifetime,
		logger:          cfg.Logger,
		now:             time.Now,
	}
	if a.clockSkew == 0 {
		a.clockSkew = DefaultClockSkew
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if authority := firstOf(cfg.OIDCAuthority, cfg.Authority); authority != "" {
		var opts []discovery.ClientOpt
		if cfg.HTTPClient != nil {
			opts = append(opts, discovery.WithHTTPClient(cfg.HTTPClient))
		}
		if cfg.SharedCache != nil {
			opts = append(opts, discovery.WithSharedCache(cfg.SharedCache))
		}
		a.disc = discovery.NewClient(authority, opts...)
	}

	return a
}

// LoginOptions carries the parameters for starting a login.
type LoginOptions struct {
	// Scopes the app will need to use, in addition to whatever base
	// scopes the client implementation injects.
	Scopes []string
	// RedirectURI is the absolute callback URI registered for the app.
	// If absent, the device-code flow is used instead.
	RedirectURI string
	// State lets the caller keep their own CSRF state. Only meaningful
	// with a RedirectURI.
	State string
	// Prompt is passed through to the authorization request.
	Prompt string
	// NextLink is the link, typically a path, to redirect to after a
	// successful login.
	NextLink string
}

// LogIn is the first leg of the authentication/authorization protocol.
// It starts an authorization-code flow when a redirect URI is given, or
// a device-code flow otherwise, stores the pending flow in the session,
// and returns the URI to send the end user to (plus, for device flows,
// the code they enter there).
func (a *Auth) LogIn(ctx context.Context, sess Session, opts LoginOptions) *LoginResult {
	if a.clientID == "" || a.factory == nil {
		return &LoginResult{
			Error: ErrorCodeConfiguration,
			ErrorDescription: "Almost there. Did you forget to set up at least these settings? " +
				"(1) ClientID, (2) OIDCAuthority or Authority, and (3) a ClientFactory?",
		}
	}

	// Only a public client is needed at this point.
	client, err := a.factory.NewClient(nil, false)
	if err != nil {
		return &LoginResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}

	var flow *AuthFlow
	if opts.RedirectURI != "" {
		flow, err = client.InitiateAuthCodeFlow(ctx, opts.Scopes, AuthCodeOptions{
			RedirectURI: opts.RedirectURI,
			State:       opts.State,
			Prompt:      opts.Prompt,
		})
		if err != nil {
			return &LoginResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
		}
	} else {
		if opts.State != "" {
			a.logger.WarnContext(ctx, "state only works in redirect URI mode, ignoring it", baseLogAttr)
		}
		flow, err = client.InitiateDeviceFlow(ctx, opts.Scopes)
		if errors.Is(err, ErrDeviceFlowNotSupported) {
			return &LoginResult{
				Error: ErrorCodeConfiguration,
				ErrorDescription: "This authority does not support the device flow. " +
					"Configure a redirect URI to log users in with the auth-code flow instead.",
			}
		} else if err != nil {
			return &LoginResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
		}
	}

	// Scopes may differ from flow.Scopes, which the client
	// implementation possibly injected base scopes into.
	flow.RequestedScopes = opts.Scopes
	flow.NextLink = opts.NextLink

	if err := saveJSON(sess, sessionKeyAuthFlow, flow); err != nil {
		return &LoginResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}

	res := &LoginResult{AuthURI: flow.AuthURI}
	if flow.Kind == FlowDevice {
		res.UserCode = flow.UserCode
	}
	return res
}

// CompleteLogIn is the second leg of the protocol, used inside the
// redirect URI controller. authResponse carries the parameters issued
// by the identity provider; leave it nil for device flows.
//
// Responses from auxiliary flows (state built with NoOpState) and
// sessions with no pending flow yield the empty no-op result. Provider
// errors, and grants missing explicitly requested scopes, come back as
// structured failures; in both cases the pending flow is consumed.
func (a *Auth) CompleteLogIn(ctx context.Context, sess Session, authResponse url.Values) *CompleteResult {
	if id, ok := NoOpFlowID(authResponse.Get("state")); ok {
		a.logger.DebugContext(ctx, "ignoring auxiliary flow response", baseLogAttr, slog.String("flow_id", id))
		return &CompleteResult{}
	}

	flow := &AuthFlow{}
	if ok, err := loadJSON(sess, sessionKeyAuthFlow, flow); err != nil || !ok {
		a.logger.WarnContext(ctx, "found no prior log-in info in the current session; "+
			"either sessions were reset by a server restart (start afresh with a new log-in), "+
			"or the session lives on another server (use a centralized session store or sticky sessions)",
			baseLogAttr)
		return &CompleteResult{}
	}

	cache, err := a.loadCache(sess)
	if err != nil {
		return a.completeFailure(sess, ErrorCodeServerError, err.Error())
	}

	var result *TokenResult
	if len(authResponse) > 0 { // auth-code flow
		client, err := a.factory.NewClient(cache, a.credential != "")
		if err != nil {
			return a.completeFailure(sess, ErrorCodeServerError, err.Error())
		}
		result, err = client.RedeemAuthCodeFlow(ctx, flow, authResponse)
		if errors.Is(err, ErrStateMismatch) {
			// Usually CSRF; not actionable by the end user.
			a.logger.WarnContext(ctx, "auth response failed validation against the stored flow", baseLogAttr, errAttr(err))
			return &CompleteResult{}
		} else if err != nil {
			return a.completeFailure(sess, ErrorCodeServerError, err.Error())
		}
	} else { // device flow
		client, err := a.factory.NewClient(cache, false)
		if err != nil {
			return a.completeFailure(sess, ErrorCodeServerError, err.Error())
		}
		result, err = client.RedeemDeviceFlow(ctx, flow)
		if err != nil {
			return a.completeFailure(sess, ErrorCodeServerError, err.Error())
		}
	}

	if result.Failed() {
		return a.completeFailure(sess, result.Error, result.ErrorDescription)
	}

	if result.Scope != "" {
		// Only partial scopes were granted, others were likely
		// unsupported.
		// https://datatracker.ietf.org/doc/html/rfc6749#section-5.1
		if ungranted := subtractScopes(flow.RequestedScopes, result.Scope); len(ungranted) > 0 {
			return a.completeFailure(sess, ErrorCodeInvalidScope,
				"Ungranted scope(s): "+strings.Join(ungranted, " "))
		}
	}

	if result.IDTokenClaims == nil {
		return a.completeFailure(sess, ErrorCodeServerError, "token response did not contain an ID token")
	}

	if err := saveJSON(sess, sessionKeyUser, result.IDTokenClaims); err != nil {
		return a.completeFailure(sess, ErrorCodeServerError, err.Error())
	}
	a.saveCache(sess, cache)
	sess.Delete(sessionKeyAuthFlow)

	return &CompleteResult{NextLink: flow.NextLink}
}

// completeFailure consumes the pending flow and returns a structured
// failure. The flow is spent either way; a retry needs a new LogIn.
func (a *Auth) completeFailure(sess Session, code, description string) *CompleteResult {
	sess.Delete(sessionKeyAuthFlow)
	return &CompleteResult{Error: code, ErrorDescription: description}
}

// GetUser returns the current signed-in user's claims, or nil if no
// user is logged in or the stored claims are stale and could not be
// refreshed silently. A failed refresh leaves the token cache in place
// for a later retry.
func (a *Auth) GetUser(ctx context.Context, sess Session) *UserClaims {
	claims := a.loadUser(sess)
	if claims == nil {
		return nil
	}
	if a.fresh(claims) {
		return claims
	}
	if result := a.getTokenForUser(ctx, sess, nil, true); result.Failed() {
		return nil
	}
	return a.loadUser(sess)
}

func (a *Auth) fresh(claims *UserClaims) bool {
	now := a.now()
	if a.idTokenLifetime > 0 {
		return now.Before(claims.IssuedAt.Time().Add(a.idTokenLifetime))
	}
	return now.Before(claims.Expiry.Time().Add(a.clockSkew))
}

// GetTokenForUser gets an access token silently for the current user,
// with the specified scopes.
func (a *Auth) GetTokenForUser(ctx context.Context, sess Session, scopes []string) *TokenResult {
	return a.getTokenForUser(ctx, sess, scopes, false)
}

func (a *Auth) getTokenForUser(ctx context.Context, sess Session, scopes []string, forceRefresh bool) *TokenResult {
	user := a.loadUser(sess)
	if user == nil {
		return &TokenResult{Error: ErrorCodeInteractionRequired, ErrorDescription: "Log in required"}
	}

	cache, err := a.loadCache(sess)
	if err != nil {
		return &TokenResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}
	client, err := a.factory.NewClient(cache, a.credential != "")
	if err != nil {
		return &TokenResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}

	accounts, err := client.Accounts(ctx, user.PreferredUsername)
	if err != nil {
		a.logger.WarnContext(ctx, "listing cached accounts", baseLogAttr, errAttr(err))
	}
	if len(accounts) > 0 {
		result, err := client.AcquireTokenSilently(ctx, scopes, &accounts[0], forceRefresh)
		// A refresh attempt may rotate tokens regardless of outcome, so
		// persist the cache even on failure.
		a.saveCache(sess, cache)
		if err != nil {
			a.logger.WarnContext(ctx, "silent token acquisition failed", baseLogAttr, errAttr(err))
		}
		if result != nil {
			if result.IDTokenClaims != nil {
				// Keep the stored principal in sync with rotated tokens.
				if err := saveJSON(sess, sessionKeyUser, result.IDTokenClaims); err != nil {
					return &TokenResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
				}
			}
			return result
		}
	}
	return &TokenResult{Error: ErrorCodeInteractionRequired, ErrorDescription: "Cache missed"}
}

// GetTokenForClient gets an app-only access token with the specified
// scopes, using the client credentials grant. This path does not touch
// the session; the app token cache is held by the client factory.
func (a *Auth) GetTokenForClient(ctx context.Context, scopes []string) *TokenResult {
	client, err := a.factory.NewClient(nil, true)
	if err != nil {
		return &TokenResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}

	result, err := client.AcquireTokenSilently(ctx, scopes, nil, false)
	if err != nil {
		a.logger.WarnContext(ctx, "silent app token acquisition failed", baseLogAttr, errAttr(err))
	}
	if result != nil && result.AccessToken != "" {
		return result
	}

	result, err = client.AcquireTokenForClient(ctx, scopes)
	if err != nil {
		return &TokenResult{Error: ErrorCodeServerError, ErrorDescription: err.Error()}
	}
	return result
}

// LogOut removes the stored user and token cache from the session, and
// returns the upstream log-out URL to optionally guide the user to.
// Logging out a session that is not logged in is not an error, and a
// failure to discover the end-session endpoint degrades to returning
// homepage unchanged.
func (a *Auth) LogOut(ctx context.Context, sess Session, homepage string) string {
	sess.Delete(sessionKeyUser)
	sess.Delete(sessionKeyTokenCache)

	if a.disc == nil {
		return homepage
	}
	md, err := a.disc.Metadata(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to get OIDC config for logout", baseLogAttr, errAttr(err))
		return homepage
	}
	if md.EndSessionEndpoint == "" {
		return homepage
	}
	return md.EndSessionEndpoint + "?post_logout_redirect_uri=" + url.QueryEscape(homepage)
}

func (a *Auth) loadUser(sess Session) *UserClaims {
	claims := &UserClaims{}
	if ok, err := loadJSON(sess, sessionKeyUser, claims); err != nil || !ok {
		return nil
	}
	return claims
}

// loadCache loads the session's token cache blob into a fresh cache
// object. The web app maintains one cache per session.
func (a *Auth) loadCache(sess Session) (*TokenCache, error) {
	cache := NewTokenCache()
	if b, ok := sess.Get(sessionKeyTokenCache); ok {
		if err := cache.Deserialize(b); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// saveCache persists the cache back to the session, only if the client
// reported a mutation.
func (a *Auth) saveCache(sess Session, cache *TokenCache) {
	if !cache.HasStateChanged() {
		return
	}
	b, err := cache.Serialize()
	if err != nil {
		a.logger.Error("serializing token cache", baseLogAttr, errAttr(err))
		return
	}
	sess.Set(sessionKeyTokenCache, b)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// subtractScopes returns the requested scopes absent from the
// space-delimited granted set.
func subtractScopes(requested []string, granted string) []string {
	got := strings.Fields(granted)
	var missing []string
	for _, s := range requested {
		if !slices.Contains(got, s) {
			missing = append(missing, s)
		}
	}
	return missing
}
