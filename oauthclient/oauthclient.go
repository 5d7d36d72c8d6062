// Package oauthclient implements the identity.OAuthClient and
// identity.ClientFactory interfaces on top of golang.org/x/oauth2,
// against any OIDC-discoverable authority. It supports the
// authorization-code flow with PKCE, the device-code flow, silent
// acquisition from cached refresh tokens, and the client-credentials
// grant.
package oauthclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/identitykit/identity"
	"github.com/identitykit/identity/discovery"
)

var baseLogAttr = slog.String("component", "oauthclient")

// Base scopes injected into every user flow, so logins always yield an
// ID token and a refresh token.
var reservedScopes = []string{"openid", "profile", "offline_access"}

// FactoryConfig holds the client registration a Factory builds clients
// for.
type FactoryConfig struct {
	// ClientID issued by the authority. Required.
	ClientID string
	// ClientCredential enables building confidential clients.
	ClientCredential string

	// OIDCAuthority is the authority to discover endpoints from, used
	// as-is.
	OIDCAuthority string
	// Authority is an alternative spelling of the same thing, also used
	// as-is, kept so factory and engine configuration can mirror each
	// other.
	Authority string

	// HTTPClient used for all provider traffic. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// SharedCache caches metadata and JWKS fetches across all clients
	// this factory builds. One is created if not set.
	SharedCache *discovery.SharedCache

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Factory builds OAuth clients bound to per-session token caches. It is
// long-lived: all clients it builds share one metadata cache, so
// discovery and JWKS fetches are not repeated per request.
type Factory struct {
	clientID   string
	credential string

	disc   *discovery.Client
	keys   *discovery.KeyCache
	hc     *http.Client
	logger *slog.Logger

	// appCache backs app-only (client-credentials) acquisitions, which
	// have no session to keep a cache in. Unlike session caches it is
	// shared across requests, so access to it goes through appMu.
	appCache *identity.TokenCache
	appMu    sync.Mutex
}

var _ identity.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory for the given registration.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	authority := cfg.OIDCAuthority
	if authority == "" {
		authority = cfg.Authority
	}
	if cfg.ClientID == "" || authority == "" {
		return nil, fmt.Errorf("client ID and authority are required")
	}

	f := &Factory{
		clientID:   cfg.ClientID,
		credential: cfg.ClientCredential,
		hc:         cfg.HTTPClient,
		logger:     cfg.Logger,
		appCache:   identity.NewTokenCache(),
	}
	if f.hc == nil {
		f.hc = http.DefaultClient
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}

	opts := []discovery.ClientOpt{discovery.WithHTTPClient(f.hc)}
	if cfg.SharedCache != nil {
		opts = append(opts, discovery.WithSharedCache(cfg.SharedCache))
	}
	f.disc = discovery.NewClient(authority, opts...)
	f.keys = discovery.NewKeyCache(f.disc)

	return f, nil
}

// NewClient returns a client bound to cache. A nil cache binds the
// client to the factory's own app token cache, which is what app-only
// acquisitions use.
func (f *Factory) NewClient(cache *identity.TokenCache, confidential bool) (identity.OAuthClient, error) {
	if confidential && f.credential == "" {
		return nil, fmt.Errorf("no client credential configured, cannot build a confidential client")
	}
	c := &client{f: f, cache: cache, confidential: confidential}
	if cache == nil {
		c.cache = f.appCache
		c.mu = &f.appMu
	}
	return c, nil
}

type client struct {
	f            *Factory
	cache        *identity.TokenCache
	confidential bool

	// mu is set when cache is the factory's shared app cache. Session
	// caches are request-scoped and need no locking.
	mu *sync.Mutex
}

// lockCache serializes cache access for clients bound to the shared app
// cache, and returns the matching unlock. Both are no-ops for
// session-bound clients.
func (c *client) lockCache() func() {
	if c.mu == nil {
		return func() {}
	}
	c.mu.Lock()
	return c.mu.Unlock
}

var _ identity.OAuthClient = (*client)(nil)

func (c *client) InitiateAuthCodeFlow(ctx context.Context, scopes []string, opts identity.AuthCodeOptions) (*identity.AuthFlow, error) {
	cfg, _, err := c.o2Config(ctx, opts.RedirectURI, withReservedScopes(scopes))
	if err != nil {
		return nil, err
	}

	state := opts.State
	if state == "" {
		state = randomState()
	}
	verifier := oauth2.GenerateVerifier()

	aopts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if opts.Prompt != "" {
		aopts = append(aopts, oauth2.SetAuthURLParam("prompt", opts.Prompt))
	}

	return &identity.AuthFlow{
		Kind:         identity.FlowAuthCode,
		AuthURI:      cfg.AuthCodeURL(state, aopts...),
		State:        state,
		PKCEVerifier: verifier,
		RedirectURI:  opts.RedirectURI,
		Scopes:       cfg.Scopes,
	}, nil
}

func (c *client) InitiateDeviceFlow(ctx context.Context, scopes []string) (*identity.AuthFlow, error) {
	cfg, md, err := c.o2Config(ctx, "", withReservedScopes(scopes))
	if err != nil {
		return nil, err
	}
	if md.DeviceAuthorizationEndpoint == "" {
		return nil, identity.ErrDeviceFlowNotSupported
	}

	da, err := cfg.DeviceAuth(c.httpContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("requesting device authorization: %w", err)
	}

	return &identity.AuthFlow{
		Kind:         identity.FlowDevice,
		AuthURI:      da.VerificationURI,
		UserCode:     da.UserCode,
		DeviceCode:   da.DeviceCode,
		PollInterval: da.Interval,
		ExpiresAt:    identity.NewUnixTime(da.Expiry),
		Scopes:       cfg.Scopes,
	}, nil
}

func (c *client) RedeemAuthCodeFlow(ctx context.Context, flow *identity.AuthFlow, authResponse url.Values) (*identity.TokenResult, error) {
	defer c.lockCache()()

	// Provider errors pass through for the caller to render.
	if errCode := authResponse.Get("error"); errCode != "" {
		return &identity.TokenResult{
			Error:            errCode,
			ErrorDescription: authResponse.Get("error_description"),
		}, nil
	}

	if state := authResponse.Get("state"); state != flow.State {
		return nil, fmt.Errorf("%w: state %q", identity.ErrStateMismatch, state)
	}
	code := authResponse.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: auth response has no code", identity.ErrStateMismatch)
	}

	cfg, md, err := c.o2Config(ctx, flow.RedirectURI, flow.Scopes)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(flow.PKCEVerifier))
	if err != nil {
		return retrieveErrorResult(err)
	}

	return c.tokenResult(ctx, md, tok, flow.RequestedScopes)
}

func (c *client) RedeemDeviceFlow(ctx context.Context, flow *identity.AuthFlow) (*identity.TokenResult, error) {
	defer c.lockCache()()

	cfg, md, err := c.o2Config(ctx, "", flow.Scopes)
	if err != nil {
		return nil, err
	}

	// Poll-until-done, bounded by the flow's own expiry.
	da := &oauth2.DeviceAuthResponse{
		DeviceCode: flow.DeviceCode,
		Interval:   flow.PollInterval,
	}
	if flow.ExpiresAt > 0 {
		da.Expiry = flow.ExpiresAt.Time()
	}
	tok, err := cfg.DeviceAccessToken(c.httpContext(ctx), da)
	if err != nil {
		return retrieveErrorResult(err)
	}

	return c.tokenResult(ctx, md, tok, flow.RequestedScopes)
}

func (c *client) AcquireTokenSilently(ctx context.Context, scopes []string, account *identity.Account, forceRefresh bool) (*identity.TokenResult, error) {
	defer c.lockCache()()

	homeID := ""
	if account != nil {
		homeID = account.HomeAccountID
	}

	if !forceRefresh {
		if result := c.cache.AccessToken(homeID, scopes, time.Now()); result != nil {
			return result, nil
		}
	}

	if account == nil {
		// App-only tokens have no refresh token; the caller falls back
		// to a fresh client-credentials request.
		return nil, nil
	}

	rt := c.cache.RefreshToken(homeID)
	if rt == "" {
		return nil, nil
	}

	cfg, md, err := c.o2Config(ctx, "", withReservedScopes(scopes))
	if err != nil {
		return nil, err
	}

	tok, err := cfg.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		result, rerr := retrieveErrorResult(err)
		if result != nil {
			c.f.logger.WarnContext(ctx, "refresh token redemption failed", baseLogAttr,
				slog.String("error_code", result.Error))
		}
		return result, rerr
	}

	// Providers may rotate the refresh token on use; keep the rotation
	// even when the response carries no ID token.
	if tok.RefreshToken != "" && tok.RefreshToken != rt {
		c.cache.SetRefreshToken(homeID, tok.RefreshToken)
	}

	return c.tokenResult(ctx, md, tok, scopes)
}

func (c *client) AcquireTokenForClient(ctx context.Context, scopes []string) (*identity.TokenResult, error) {
	if !c.confidential {
		return nil, fmt.Errorf("client credentials grant requires a confidential client")
	}
	// Holding the lock across the grant also collapses concurrent
	// fetches of the same app token into one provider round trip.
	defer c.lockCache()()

	md, err := c.f.disc.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	ccfg := clientcredentials.Config{
		ClientID:     c.f.clientID,
		ClientSecret: c.f.credential,
		TokenURL:     md.TokenEndpoint,
		Scopes:       scopes,
	}
	tok, err := ccfg.Token(c.httpContext(ctx))
	if err != nil {
		return retrieveErrorResult(err)
	}

	scope, _ := tok.Extra("scope").(string)
	c.cache.PutAccessToken("", scopes, tok.AccessToken, tokenType(tok), scope, tok.Expiry)

	return &identity.TokenResult{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType(tok),
		ExpiresIn:   expiresIn(tok),
		Scope:       scope,
	}, nil
}

func (c *client) Accounts(_ context.Context, usernameHint string) ([]identity.Account, error) {
	defer c.lockCache()()
	return c.cache.Accounts(usernameHint), nil
}

// tokenResult converts a provider token response into a TokenResult,
// verifying any ID token it carries and recording the outcome in the
// token cache.
func (c *client) tokenResult(ctx context.Context, md *discovery.ProviderMetadata, tok *oauth2.Token, scopes []string) (*identity.TokenResult, error) {
	result := &identity.TokenResult{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType(tok),
		ExpiresIn:    expiresIn(tok),
		RefreshToken: tok.RefreshToken,
	}
	result.Scope, _ = tok.Extra("scope").(string)

	idt, _ := tok.Extra("id_token").(string)
	if idt == "" {
		return result, nil
	}

	claims, err := c.verifyIDToken(ctx, md, idt)
	if err != nil {
		return nil, fmt.Errorf("verifying ID token: %w", err)
	}
	result.IDTokenClaims = claims

	homeID := homeAccountID(claims)
	c.cache.PutAccount(identity.Account{
		HomeAccountID: homeID,
		Username:      claims.PreferredUsername,
		Environment:   issuerHost(claims.Issuer),
		Realm:         claims.TenantID,
	}, tok.RefreshToken)
	c.cache.PutAccessToken(homeID, scopes, tok.AccessToken, tokenType(tok), result.Scope, tok.Expiry)

	return result, nil
}

// verifyIDToken validates the raw ID token against the authority's
// published keys, the configured client ID, and the discovered issuer.
func (c *client) verifyIDToken(ctx context.Context, md *discovery.ProviderMetadata, raw string) (*identity.UserClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := c.f.keys.SigningKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("no signing key found for kid %s", kid)
	}

	mc := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithAudience(c.f.clientID),
	)
	if _, err := parser.ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return key.Key, nil
	}); err != nil {
		return nil, err
	}

	expectedIssuer := key.Issuer
	if expectedIssuer == "" {
		expectedIssuer = md.Issuer
	}
	if tid, ok := mc["tid"].(string); ok {
		expectedIssuer = strings.ReplaceAll(expectedIssuer, "{tenantid}", tid)
	}
	if iss, _ := mc["iss"].(string); iss != expectedIssuer {
		return nil, fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, mc["iss"])
	}

	b, err := json.Marshal(map[string]any(mc))
	if err != nil {
		return nil, err
	}
	claims := &identity.UserClaims{}
	if err := json.Unmarshal(b, claims); err != nil {
		return nil, fmt.Errorf("unpacking token claims: %w", err)
	}
	return claims, nil
}

func (c *client) o2Config(ctx context.Context, redirectURI string, scopes []string) (*oauth2.Config, *discovery.ProviderMetadata, error) {
	md, err := c.f.disc.Metadata(ctx)
	if err != nil {
		return nil, nil, err
	}

	cfg := &oauth2.Config{
		ClientID:    c.f.clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       md.AuthorizationEndpoint,
			TokenURL:      md.TokenEndpoint,
			DeviceAuthURL: md.DeviceAuthorizationEndpoint,
		},
	}
	if c.confidential {
		cfg.ClientSecret = c.f.credential
	}
	return cfg, md, nil
}

// httpContext routes the oauth2 package's requests through the
// factory's HTTP client.
func (c *client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.f.hc)
}

// retrieveErrorResult converts a provider token-endpoint error into a
// pass-through TokenResult. Transport failures stay errors.
func retrieveErrorResult(err error) (*identity.TokenResult, error) {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.ErrorCode != "" {
		return &identity.TokenResult{
			Error:            rerr.ErrorCode,
			ErrorDescription: rerr.ErrorDescription,
		}, nil
	}
	return nil, err
}

func withReservedScopes(scopes []string) []string {
	full := make([]string, 0, len(reservedScopes)+len(scopes))
	full = append(full, reservedScopes...)
	for _, s := range scopes {
		if !slices.Contains(full, s) {
			full = append(full, s)
		}
	}
	return full
}

func tokenType(tok *oauth2.Token) string {
	if tok.TokenType == "" {
		return "Bearer"
	}
	return tok.TokenType
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return 0
	}
	return int64(time.Until(tok.Expiry) / time.Second)
}

func randomState() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func issuerHost(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil {
		return ""
	}
	return u.Host
}

func homeAccountID(claims *identity.UserClaims) string {
	if claims.TenantID != "" {
		return claims.Subject + "." + claims.TenantID
	}
	return claims.Subject
}
