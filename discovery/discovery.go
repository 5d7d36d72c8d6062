// Package discovery fetches and caches OIDC provider metadata and
// signing keys. Responses are cached per calendar day: every client
// built for a long-lived engine shares one SharedCache, so metadata and
// JWKS fetches are not repeated per request.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const oidcwk = "/.well-known/openid-configuration"

// fetchAttempts bounds the retries of a metadata/JWKS fetch. Web apps
// should use minimal retry and let their own callers decide a strategy.
const fetchAttempts = 2

// dayStampFormat keys cache entries to the calendar day they were
// fetched on, so the cache invalidates naturally.
const dayStampFormat = "2006-01-02"

// ProviderMetadata is the subset of the provider's discovery document
// this module uses.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type ProviderMetadata struct {
	Issuer                      string `json:"issuer,omitempty"`
	AuthorizationEndpoint       string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint               string `json:"token_endpoint,omitempty"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`
	UserinfoEndpoint            string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint          string `json:"end_session_endpoint,omitempty"`
	JWKSURI                     string `json:"jwks_uri,omitempty"`

	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported    []string `json:"grant_types_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// SharedCache is a process-wide, day-stamped cache of fetched JSON
// documents. Construct one per long-lived engine and hand it to every
// short-lived per-request client. Concurrent refreshes of the same URL
// may race; values are idempotent within a day, so last writer wins.
type SharedCache struct {
	mu      sync.Mutex
	entries map[string]sharedCacheEntry

	now func() time.Time
}

type sharedCacheEntry struct {
	day  string
	body []byte
}

// NewSharedCache returns an empty cache.
func NewSharedCache() *SharedCache {
	return &SharedCache{
		entries: map[string]sharedCacheEntry{},
		now:     time.Now,
	}
}

// GetJSON fetches the document at url, or returns the copy cached for
// the current day, unmarshaling it into into.
func (c *SharedCache) GetJSON(ctx context.Context, hc *http.Client, url string, into any) error {
	day := c.now().Format(dayStampFormat)

	c.mu.Lock()
	e, ok := c.entries[url]
	c.mu.Unlock()

	if ok && e.day == day {
		return json.Unmarshal(e.body, into)
	}

	body, err := getWithRetry(ctx, hc, url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}

	c.mu.Lock()
	c.entries[url] = sharedCacheEntry{day: day, body: body}
	c.mu.Unlock()

	return nil
}

func getWithRetry(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	var lastErr error
	for i := 0; i < fetchAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		res, err := hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("fetching %s: expected status %d, got: %d", url, http.StatusOK, res.StatusCode)
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

// Client fetches the provider metadata for a given authority on demand,
// through a SharedCache.
type Client struct {
	metadataURL string

	hc    *http.Client
	cache *SharedCache
}

// ClientOpt is an option that can configure a client
type ClientOpt func(c *Client)

// WithHTTPClient will set a http.Client for discovery and key fetching.
// If not set, http.DefaultClient will be used.
func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithSharedCache uses the passed cache rather than a new one. Use this
// to share metadata fetches across the clients of one engine.
func WithSharedCache(sc *SharedCache) ClientOpt {
	return func(c *Client) {
		c.cache = sc
	}
}

// NewClient returns a client for the given authority. The authority's
// metadata is fetched lazily, so a misconfigured authority surfaces on
// first use rather than at construction.
func NewClient(authority string, opts ...ClientOpt) *Client {
	c := &Client{
		metadataURL: authority + oidcwk,
		hc:          http.DefaultClient,
	}

	for _, o := range opts {
		o(c)
	}

	if c.cache == nil {
		c.cache = NewSharedCache()
	}

	return c
}

// Metadata returns the provider metadata, fetched at most once per
// calendar day.
func (c *Client) Metadata(ctx context.Context) (*ProviderMetadata, error) {
	md := &ProviderMetadata{}
	if err := c.cache.GetJSON(ctx, c.hc, c.metadataURL, md); err != nil {
		return nil, fmt.Errorf("fetching provider metadata: %w", err)
	}
	return md, nil
}
