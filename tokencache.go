package identity

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// TokenCache holds the OAuth client's cached credentials for one
// session: accounts, their refresh tokens, and previously acquired
// access tokens. The engine treats its serialized form as an opaque
// blob, loading it from the session into a fresh cache per operation
// and persisting it back only when HasStateChanged reports a mutation.
type TokenCache struct {
	data tokenCacheData

	changed bool
}

type tokenCacheData struct {
	// Accounts by home account id.
	Accounts map[string]Account `json:"accounts,omitempty"`
	// RefreshTokens by home account id. The client-credentials grant
	// does not issue refresh tokens, so app-only caches leave this
	// empty.
	RefreshTokens map[string]string `json:"refresh_tokens,omitempty"`
	// AccessTokens keyed by home account id and the sorted scope set.
	AccessTokens map[string]cachedAccessToken `json:"access_tokens,omitempty"`
}

type cachedAccessToken struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	ExpiresAt UnixTime `json:"expires_at"`
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{}
}

// Deserialize replaces the cache contents with a previously serialized
// blob. Deserializing does not count as a state change.
func (c *TokenCache) Deserialize(b []byte) error {
	var data tokenCacheData
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	c.data = data
	c.changed = false
	return nil
}

// Serialize returns the cache contents as an opaque blob.
func (c *TokenCache) Serialize() ([]byte, error) {
	return json.Marshal(c.data)
}

// HasStateChanged reports whether the cache has been mutated since it
// was created or last deserialized.
func (c *TokenCache) HasStateChanged() bool { return c.changed }

// Accounts returns the cached accounts, optionally filtered to a
// username.
func (c *TokenCache) Accounts(usernameHint string) []Account {
	var accts []Account
	for _, a := range c.data.Accounts {
		if usernameHint != "" && a.Username != usernameHint {
			continue
		}
		accts = append(accts, a)
	}
	sort.Slice(accts, func(i, j int) bool { return accts[i].HomeAccountID < accts[j].HomeAccountID })
	return accts
}

// PutAccount stores the account and its refresh token. An empty refresh
// token leaves any existing one in place.
func (c *TokenCache) PutAccount(a Account, refreshToken string) {
	if c.data.Accounts == nil {
		c.data.Accounts = map[string]Account{}
	}
	c.data.Accounts[a.HomeAccountID] = a
	if refreshToken != "" {
		if c.data.RefreshTokens == nil {
			c.data.RefreshTokens = map[string]string{}
		}
		c.data.RefreshTokens[a.HomeAccountID] = refreshToken
	}
	c.changed = true
}

// RefreshToken returns the cached refresh token for the account, if
// any.
func (c *TokenCache) RefreshToken(homeAccountID string) string {
	return c.data.RefreshTokens[homeAccountID]
}

// SetRefreshToken replaces the refresh token for the account. Providers
// may rotate refresh tokens on use, including on failed acquisitions.
func (c *TokenCache) SetRefreshToken(homeAccountID, refreshToken string) {
	if c.data.RefreshTokens == nil {
		c.data.RefreshTokens = map[string]string{}
	}
	c.data.RefreshTokens[homeAccountID] = refreshToken
	c.changed = true
}

// AccessToken returns a cached, unexpired access token for the account
// and scope set, or nil.
func (c *TokenCache) AccessToken(homeAccountID string, scopes []string, now time.Time) *TokenResult {
	at, ok := c.data.AccessTokens[accessTokenKey(homeAccountID, scopes)]
	if !ok || !now.Before(at.ExpiresAt.Time()) {
		return nil
	}
	return &TokenResult{
		AccessToken: at.Token,
		TokenType:   at.TokenType,
		Scope:       at.Scope,
		ExpiresIn:   int64(time.Until(at.ExpiresAt.Time()) / time.Second),
	}
}

// PutAccessToken caches an access token for the account and scope set.
func (c *TokenCache) PutAccessToken(homeAccountID string, scopes []string, token, tokenType, scope string, expiresAt time.Time) {
	if c.data.AccessTokens == nil {
		c.data.AccessTokens = map[string]cachedAccessToken{}
	}
	c.data.AccessTokens[accessTokenKey(homeAccountID, scopes)] = cachedAccessToken{
		Token:     token,
		TokenType: tokenType,
		Scope:     scope,
		ExpiresAt: NewUnixTime(expiresAt),
	}
	c.changed = true
}

func accessTokenKey(homeAccountID string, scopes []string) string {
	ss := make([]string, len(scopes))
	copy(ss, scopes)
	sort.Strings(ss)
	return homeAccountID + "|" + strings.Join(ss, " ")
}
