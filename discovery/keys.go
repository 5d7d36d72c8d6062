package discovery

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// SigningKey is one verification key from the authority's JWKS.
type SigningKey struct {
	// Key is the parsed public key.
	Key crypto.PublicKey
	// Algorithm is the algorithm the key is declared for. Verifiers must
	// pin validation to this value rather than trusting the token
	// header.
	Algorithm string
	// Use is the declared key use, normally "sig".
	Use string
	// Issuer is the issuer hint some authorities attach to their key
	// material, with any tenant placeholder left in place.
	Issuer string
}

// defaultAlgorithm is assumed for keys that do not declare one.
// Empirically RSA keys in the wild omit "alg" and sign RS256.
const defaultAlgorithm = "RS256"

// KeyCache fetches and caches the authority's signing keys, keyed by
// kid and refreshed at most once per calendar day.
type KeyCache struct {
	client *Client
	hc     *http.Client

	mu   sync.Mutex
	day  string
	keys map[string]*SigningKey

	now func() time.Time
}

// NewKeyCache returns a key cache reading JWKS URIs from the client's
// provider metadata.
func NewKeyCache(client *Client) *KeyCache {
	return &KeyCache{
		client: client,
		hc:     client.hc,
		now:    time.Now,
	}
}

// SigningKey returns the key for kid, or nil if the authority does not
// currently publish one. The error is reserved for discovery/fetch
// failures.
func (kc *KeyCache) SigningKey(ctx context.Context, kid string) (*SigningKey, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	day := kc.now().Format(dayStampFormat)
	if kc.keys == nil || kc.day != day {
		keys, err := kc.fetch(ctx)
		if err != nil {
			return nil, err
		}
		kc.keys = keys
		kc.day = day
	}

	return kc.keys[kid], nil
}

func (kc *KeyCache) fetch(ctx context.Context) (map[string]*SigningKey, error) {
	md, err := kc.client.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("metadata has no JWKS endpoint, cannot fetch keys")
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := kc.client.cache.GetJSON(ctx, kc.hc, md.JWKSURI, &doc); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	keys := make(map[string]*SigningKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		// kid always exists in the wild, issuer is an extension some
		// authorities attach.
		var meta struct {
			Kid    string `json:"kid"`
			Alg    string `json:"alg"`
			Use    string `json:"use"`
			Issuer string `json:"issuer"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decoding JWK: %w", err)
		}
		if meta.Kid == "" {
			return nil, fmt.Errorf("JWK missing kid")
		}

		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("parsing JWK %s: %w", meta.Kid, err)
		}

		alg := meta.Alg
		if alg == "" {
			alg = defaultAlgorithm
		}

		keys[meta.Kid] = &SigningKey{
			Key:       jwk.Key,
			Algorithm: alg,
			Use:       meta.Use,
			Issuer:    meta.Issuer,
		}
	}

	return keys, nil
}
