package discovery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// testJWKS serves discovery plus a JWKS document built from the passed
// raw key entries, counting JWKS fetches.
func testJWKS(t *testing.T, keys []map[string]any) (*Client, *atomic.Int32, func()) {
	t.Helper()

	var jwksHits atomic.Int32
	mux := http.NewServeMux()
	var baseURL string
	mux.HandleFunc("GET "+oidcwk, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ProviderMetadata{
			Issuer:  baseURL,
			JWKSURI: baseURL + "/keys",
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		jwksHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})
	svr := httptest.NewServer(mux)
	baseURL = svr.URL

	return NewClient(svr.URL), &jwksHits, svr.Close
}

// jwkEntry marshals the public key into a JWK map, so tests can attach
// nonstandard members.
func jwkEntry(t *testing.T, pub *rsa.PublicKey, kid, alg string) map[string]any {
	t.Helper()
	b, err := (&jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: alg, Use: "sig"}).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestKeyCache(t *testing.T) {
	// Short key, used only for testing so generation time is quick.
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	entry := jwkEntry(t, &priv.PublicKey, "k1", "RS256")
	entry["issuer"] = "https://login.example.com/{tenantid}/v2.0"

	client, jwksHits, cleanup := testJWKS(t, []map[string]any{entry})
	defer cleanup()

	kc := NewKeyCache(client)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	kc.now = func() time.Time { return now }
	// Keep the underlying HTTP cache on the same clock, or the JWKS
	// body would still be served from it on the next day.
	client.cache.now = func() time.Time { return now }

	key, err := kc.SigningKey(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if key == nil {
		t.Fatal("expected a key for k1")
	}
	if key.Algorithm != "RS256" || key.Use != "sig" {
		t.Errorf("unexpected key metadata: %#v", key)
	}
	if key.Issuer != "https://login.example.com/{tenantid}/v2.0" {
		t.Errorf("unexpected issuer hint: %s", key.Issuer)
	}
	if _, ok := key.Key.(*rsa.PublicKey); !ok {
		t.Errorf("expected an *rsa.PublicKey, got %T", key.Key)
	}

	// Unknown kids are not an error.
	key, err = kc.SigningKey(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if key != nil {
		t.Errorf("want nil for an unknown kid, got %#v", key)
	}

	if got := jwksHits.Load(); got != 1 {
		t.Errorf("want 1 JWKS fetch within a day, got %d", got)
	}

	// The next calendar day triggers a refetch.
	now = now.Add(24 * time.Hour)
	if _, err := kc.SigningKey(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	if got := jwksHits.Load(); got != 2 {
		t.Errorf("want a JWKS refetch on the next day, got %d fetches", got)
	}
}

func TestKeyCacheDefaultsAlgorithm(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	// Keys in the wild frequently omit alg.
	entry := jwkEntry(t, &priv.PublicKey, "k1", "")
	delete(entry, "alg")

	client, _, cleanup := testJWKS(t, []map[string]any{entry})
	defer cleanup()

	key, err := NewKeyCache(client).SigningKey(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if key == nil || key.Algorithm != defaultAlgorithm {
		t.Errorf("want the default algorithm %s, got %#v", defaultAlgorithm, key)
	}
}
