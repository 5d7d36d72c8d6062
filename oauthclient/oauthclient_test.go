package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/identitykit/identity"
)

const (
	testClientID = "test-client"
	testKid      = "k1"
)

// mockProvider mocks out just enough of an OAuth2/OIDC provider:
// discovery, JWKS, and a token endpoint handling the grants the client
// uses. Auth endpoints are never hit in these tests.
type mockProvider struct {
	baseURL string
	priv    *rsa.PrivateKey

	// deviceFlow enables the device authorization endpoint.
	deviceFlow bool
	// tokenError, if set, makes the token endpoint fail with this
	// OAuth2 error code.
	tokenError string

	tokenHits atomic.Int32

	mux *http.ServeMux
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()

	// Short key, used only for testing so generation time is quick.
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	p := &mockProvider{priv: priv}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("POST /device", p.handleDevice)
	mux.HandleFunc("GET /keys", p.handleKeys)
	p.mux = mux

	svr := httptest.NewServer(p.mux)
	t.Cleanup(svr.Close)
	p.baseURL = svr.URL
	return p
}

func (p *mockProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	md := map[string]string{
		"issuer":                 p.baseURL,
		"authorization_endpoint": p.baseURL + "/auth",
		"token_endpoint":         p.baseURL + "/token",
		"jwks_uri":               p.baseURL + "/keys",
	}
	if p.deviceFlow {
		md["device_authorization_endpoint"] = p.baseURL + "/device"
	}
	_ = json.NewEncoder(w).Encode(md)
}

func (p *mockProvider) handleKeys(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &p.priv.PublicKey, KeyID: testKid, Algorithm: "RS256", Use: "sig"},
	}})
}

func (p *mockProvider) handleDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_code":      "dev-code",
		"user_code":        "ABCD-1234",
		"verification_uri": p.baseURL + "/activate",
		"expires_in":       900,
		"interval":         1,
	})
}

func (p *mockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenHits.Add(1)
	w.Header().Set("Content-Type", "application/json")

	if p.tokenError != "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             p.tokenError,
			"error_description": "the provider said no",
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"token_type": "Bearer",
		"expires_in": 3600,
		"scope":      "openid profile offline_access api.read",
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code", "urn:ietf:params:oauth:grant-type:device_code":
		resp["access_token"] = "at-1"
		resp["refresh_token"] = "rt-1"
		resp["id_token"] = p.signIDToken()
	case "refresh_token":
		resp["access_token"] = "at-2"
		resp["refresh_token"] = "rt-2"
		resp["id_token"] = p.signIDToken()
	case "client_credentials":
		resp["access_token"] = "app-at"
		resp["scope"] = "api/.default"
	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *mockProvider) signIDToken() string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                p.baseURL,
		"sub":                "user-1",
		"aud":                testClientID,
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
		"tid":                "tenant-1",
		"preferred_username": "al@example.com",
		"name":               "Al",
	})
	tok.Header["kid"] = testKid
	s, err := tok.SignedString(p.priv)
	if err != nil {
		panic(err)
	}
	return s
}

func newTestFactory(t *testing.T, p *mockProvider) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryConfig{
		ClientID:         testClientID,
		ClientCredential: "test-secret",
		OIDCAuthority:    p.baseURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInitiateAuthCodeFlow(t *testing.T) {
	f := newTestFactory(t, newMockProvider(t))
	client, err := f.NewClient(identity.NewTokenCache(), false)
	if err != nil {
		t.Fatal(err)
	}

	flow, err := client.InitiateAuthCodeFlow(context.Background(), []string{"api.read"}, identity.AuthCodeOptions{
		RedirectURI: "http://app/callback",
		Prompt:      "select_account",
	})
	if err != nil {
		t.Fatal(err)
	}

	if flow.Kind != identity.FlowAuthCode {
		t.Errorf("want %s, got %s", identity.FlowAuthCode, flow.Kind)
	}
	if flow.State == "" || flow.PKCEVerifier == "" {
		t.Errorf("state and verifier must be generated, got %#v", flow)
	}

	u, err := url.Parse(flow.AuthURI)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != testClientID {
		t.Errorf("want client_id %s, got %s", testClientID, q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "http://app/callback" {
		t.Errorf("unexpected redirect_uri %s", q.Get("redirect_uri"))
	}
	if q.Get("state") != flow.State {
		t.Errorf("auth URI state %s does not match flow state %s", q.Get("state"), flow.State)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected a S256 PKCE challenge, got %s", u.RawQuery)
	}
	if q.Get("prompt") != "select_account" {
		t.Errorf("want prompt select_account, got %s", q.Get("prompt"))
	}

	scopes := strings.Fields(q.Get("scope"))
	for _, want := range []string{"openid", "offline_access", "api.read"} {
		if !slices.Contains(scopes, want) {
			t.Errorf("scope %s missing from %v", want, scopes)
		}
	}
}

func TestInitiateAuthCodeFlowKeepsCallerState(t *testing.T) {
	f := newTestFactory(t, newMockProvider(t))
	client, err := f.NewClient(nil, false)
	if err != nil {
		t.Fatal(err)
	}

	flow, err := client.InitiateAuthCodeFlow(context.Background(), nil, identity.AuthCodeOptions{
		RedirectURI: "http://app/callback",
		State:       identity.NoOpState("aux-1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if flow.State != identity.NoOpState("aux-1") {
		t.Errorf("caller state must be kept, got %s", flow.State)
	}
}

func TestInitiateDeviceFlow(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		p := newMockProvider(t)
		p.deviceFlow = true
		f := newTestFactory(t, p)
		client, err := f.NewClient(nil, false)
		if err != nil {
			t.Fatal(err)
		}

		flow, err := client.InitiateDeviceFlow(context.Background(), []string{"api.read"})
		if err != nil {
			t.Fatal(err)
		}
		if flow.Kind != identity.FlowDevice {
			t.Errorf("want %s, got %s", identity.FlowDevice, flow.Kind)
		}
		if flow.UserCode != "ABCD-1234" || flow.DeviceCode != "dev-code" {
			t.Errorf("unexpected flow %#v", flow)
		}
		if flow.AuthURI != p.baseURL+"/activate" {
			t.Errorf("unexpected verification URI %s", flow.AuthURI)
		}
	})

	t.Run("not supported", func(t *testing.T) {
		f := newTestFactory(t, newMockProvider(t))
		client, err := f.NewClient(nil, false)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := client.InitiateDeviceFlow(context.Background(), nil); !errors.Is(err, identity.ErrDeviceFlowNotSupported) {
			t.Errorf("want ErrDeviceFlowNotSupported, got %v", err)
		}
	})
}

func redeemableFlow() *identity.AuthFlow {
	return &identity.AuthFlow{
		Kind:            identity.FlowAuthCode,
		State:           "st",
		PKCEVerifier:    "verifier",
		RedirectURI:     "http://app/callback",
		Scopes:          []string{"openid", "profile", "offline_access", "api.read"},
		RequestedScopes: []string{"api.read"},
	}
}

func TestRedeemAuthCodeFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		p := newMockProvider(t)
		f := newTestFactory(t, p)
		cache := identity.NewTokenCache()
		client, err := f.NewClient(cache, false)
		if err != nil {
			t.Fatal(err)
		}

		result, err := client.RedeemAuthCodeFlow(ctx, redeemableFlow(), url.Values{"state": {"st"}, "code": {"c"}})
		if err != nil {
			t.Fatal(err)
		}
		if result.Failed() {
			t.Fatalf("redemption failed: %s: %s", result.Error, result.ErrorDescription)
		}
		if result.AccessToken != "at-1" || result.RefreshToken != "rt-1" {
			t.Errorf("unexpected tokens: %#v", result)
		}
		if result.IDTokenClaims == nil || result.IDTokenClaims.Subject != "user-1" {
			t.Fatalf("expected validated ID token claims, got %#v", result.IDTokenClaims)
		}

		accounts := cache.Accounts("")
		if len(accounts) != 1 {
			t.Fatalf("want 1 cached account, got %d", len(accounts))
		}
		if accounts[0].HomeAccountID != "user-1.tenant-1" || accounts[0].Realm != "tenant-1" {
			t.Errorf("unexpected account: %#v", accounts[0])
		}
		if got := cache.RefreshToken("user-1.tenant-1"); got != "rt-1" {
			t.Errorf("want cached refresh token rt-1, got %s", got)
		}

		// The access token is served from cache without another
		// round trip.
		hits := p.tokenHits.Load()
		cached, err := client.AcquireTokenSilently(ctx, []string{"api.read"}, &accounts[0], false)
		if err != nil {
			t.Fatal(err)
		}
		if cached == nil || cached.AccessToken != "at-1" {
			t.Errorf("expected the cached access token, got %#v", cached)
		}
		if p.tokenHits.Load() != hits {
			t.Error("a cache hit must not call the token endpoint")
		}
	})

	t.Run("provider error passes through", func(t *testing.T) {
		f := newTestFactory(t, newMockProvider(t))
		client, err := f.NewClient(identity.NewTokenCache(), false)
		if err != nil {
			t.Fatal(err)
		}

		result, err := client.RedeemAuthCodeFlow(ctx, redeemableFlow(), url.Values{
			"state":             {"st"},
			"error":             {"access_denied"},
			"error_description": {"user said no"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.Error != "access_denied" || result.ErrorDescription != "user said no" {
			t.Errorf("unexpected result: %#v", result)
		}
	})

	t.Run("state mismatch", func(t *testing.T) {
		f := newTestFactory(t, newMockProvider(t))
		client, err := f.NewClient(identity.NewTokenCache(), false)
		if err != nil {
			t.Fatal(err)
		}

		_, err = client.RedeemAuthCodeFlow(ctx, redeemableFlow(), url.Values{"state": {"evil"}, "code": {"c"}})
		if !errors.Is(err, identity.ErrStateMismatch) {
			t.Errorf("want ErrStateMismatch, got %v", err)
		}
	})

	t.Run("token endpoint error passes through", func(t *testing.T) {
		p := newMockProvider(t)
		p.tokenError = "invalid_grant"
		f := newTestFactory(t, p)
		client, err := f.NewClient(identity.NewTokenCache(), false)
		if err != nil {
			t.Fatal(err)
		}

		result, err := client.RedeemAuthCodeFlow(ctx, redeemableFlow(), url.Values{"state": {"st"}, "code": {"c"}})
		if err != nil {
			t.Fatal(err)
		}
		if result.Error != "invalid_grant" {
			t.Errorf("want invalid_grant, got %#v", result)
		}
	})
}

func TestRedeemDeviceFlow(t *testing.T) {
	p := newMockProvider(t)
	p.deviceFlow = true
	f := newTestFactory(t, p)
	cache := identity.NewTokenCache()
	client, err := f.NewClient(cache, false)
	if err != nil {
		t.Fatal(err)
	}

	flow := &identity.AuthFlow{
		Kind:         identity.FlowDevice,
		DeviceCode:   "dev-code",
		PollInterval: 1,
		ExpiresAt:    identity.NewUnixTime(time.Now().Add(15 * time.Minute)),
		Scopes:       []string{"openid", "profile", "offline_access", "api.read"},
	}
	result, err := client.RedeemDeviceFlow(context.Background(), flow)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed() {
		t.Fatalf("redemption failed: %s: %s", result.Error, result.ErrorDescription)
	}
	if result.AccessToken != "at-1" || result.IDTokenClaims == nil {
		t.Errorf("unexpected result: %#v", result)
	}
}

func TestAcquireTokenSilentlyRefreshes(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider(t)
	f := newTestFactory(t, p)

	cache := identity.NewTokenCache()
	account := identity.Account{HomeAccountID: "user-1.tenant-1", Username: "al@example.com", Realm: "tenant-1"}
	cache.PutAccount(account, "rt-1")

	client, err := f.NewClient(cache, false)
	if err != nil {
		t.Fatal(err)
	}

	result, err := client.AcquireTokenSilently(ctx, []string{"api.read"}, &account, false)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.AccessToken != "at-2" {
		t.Fatalf("expected the refreshed token, got %#v", result)
	}
	if result.IDTokenClaims == nil {
		t.Error("a refresh with an ID token should return its claims")
	}
	if got := cache.RefreshToken("user-1.tenant-1"); got != "rt-2" {
		t.Errorf("rotated refresh token should be cached, got %s", got)
	}

	// No usable credentials at all reports a miss, not an error.
	empty, err := f.NewClient(identity.NewTokenCache(), false)
	if err != nil {
		t.Fatal(err)
	}
	result, err = empty.AcquireTokenSilently(ctx, []string{"api.read"}, &identity.Account{HomeAccountID: "nobody"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("want a nil result on a cache miss, got %#v", result)
	}
}

func TestAcquireTokenForClient(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider(t)
	f := newTestFactory(t, p)

	// App tokens go through the factory's own cache.
	client, err := f.NewClient(nil, true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := client.AcquireTokenForClient(ctx, []string{"api/.default"})
	if err != nil {
		t.Fatal(err)
	}
	if result.AccessToken != "app-at" {
		t.Fatalf("unexpected result: %#v", result)
	}

	hits := p.tokenHits.Load()
	cached, err := client.AcquireTokenSilently(ctx, []string{"api/.default"}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.AccessToken != "app-at" {
		t.Errorf("expected the cached app token, got %#v", cached)
	}
	if p.tokenHits.Load() != hits {
		t.Error("a cache hit must not call the token endpoint")
	}

	// Public clients cannot use the grant.
	if _, err := f.NewClient(nil, false); err != nil {
		t.Fatal(err)
	}
	public, _ := f.NewClient(identity.NewTokenCache(), false)
	if _, err := public.AcquireTokenForClient(ctx, []string{"api/.default"}); err == nil {
		t.Error("expected an error from a public client")
	}
}

func TestAcquireTokenForClientConcurrent(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider(t)
	f := newTestFactory(t, p)

	// Every app-only client binds the factory's one cache, and requests
	// hit it concurrently. Run with -race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := f.NewClient(nil, true)
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 5; j++ {
				res, err := client.AcquireTokenSilently(ctx, []string{"api/.default"}, nil, false)
				if err != nil {
					t.Error(err)
					return
				}
				if res != nil && res.AccessToken != "app-at" {
					t.Errorf("unexpected cached token %#v", res)
				}
				if res == nil {
					if res, err = client.AcquireTokenForClient(ctx, []string{"api/.default"}); err != nil {
						t.Error(err)
						return
					}
					if res.AccessToken != "app-at" {
						t.Errorf("unexpected token %#v", res)
					}
				}
			}
		}()
	}
	wg.Wait()
}
