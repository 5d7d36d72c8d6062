// Package identity implements the session-backed core of OAuth2/OIDC
// authentication for web applications: the two-leg login protocol
// (start, then complete), per-session token cache management, ID-token
// freshness checks and silent refresh, and logout against the
// authority's end-session endpoint.
//
// The engine is web-framework agnostic. It operates on a caller-supplied
// Session, and delegates all token acquisition to an OAuthClient built
// by a ClientFactory (see the oauthclient package for the in-tree
// implementation). The companion apiauth package validates bearer tokens
// on the API side.
package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Reserved session keys. These are private to the engine; callers must
// not read or mutate them directly.
const (
	sessionKeyTokenCache = "_token_cache"
	sessionKeyAuthFlow   = "_auth_flow"
	sessionKeyUser       = "_logged_in_user"
)

var baseLogAttr = slog.String("component", "identity")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Session is a mutable key/value store owned by the caller, typically
// one per browser session. The engine stores a small fixed set of
// reserved keys in it; their lifetime is otherwise controlled entirely
// by the caller.
type Session interface {
	// Get returns the value for key, if present.
	Get(key string) ([]byte, bool)
	// Set stores the value for key.
	Set(key string, value []byte)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string)
}

// MapSession is a Session backed by a plain map. It is suitable for
// tests and for processes that manage session lifetime themselves.
type MapSession map[string][]byte

func (m MapSession) Get(key string) ([]byte, bool) { v, ok := m[key]; return v, ok }

func (m MapSession) Set(key string, value []byte) { m[key] = value }

func (m MapSession) Delete(key string) { delete(m, key) }

// loadJSON reads a reserved session key into into. ok is false when the
// key is absent or empty.
func loadJSON(sess Session, key string, into any) (ok bool, err error) {
	b, ok := sess.Get(key)
	if !ok || len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, into); err != nil {
		return false, fmt.Errorf("decoding session key %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(sess Session, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding session key %s: %w", key, err)
	}
	sess.Set(key, b)
	return nil
}
