package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/identitykit/identity"
	"github.com/identitykit/identity/apiauth"
	"github.com/identitykit/identity/discovery"
	"github.com/identitykit/identity/middleware"
	"github.com/identitykit/identity/oauthclient"
)

func main() {
	cfg := struct {
		Authority    string
		ClientID     string
		ClientSecret string
		RedirectURL  string
		Listen       string
		Scope        string
	}{
		Authority:   "http://localhost:8085",
		RedirectURL: "http://localhost:8084/callback",
		Listen:      "localhost:8084",
	}

	flag.StringVar(&cfg.Authority, "authority", cfg.Authority, "OIDC authority")
	flag.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "client ID")
	flag.StringVar(&cfg.ClientSecret, "client-secret", cfg.ClientSecret, "client secret")
	flag.StringVar(&cfg.RedirectURL, "redirect-url", cfg.RedirectURL, "redirect URL")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	flag.StringVar(&cfg.Scope, "scope", cfg.Scope, "downstream API scope to request")

	flag.Parse()

	// One shared metadata/JWKS cache for everything in this process.
	shared := discovery.NewSharedCache()

	factory, err := oauthclient.NewFactory(oauthclient.FactoryConfig{
		ClientID:         cfg.ClientID,
		ClientCredential: cfg.ClientSecret,
		OIDCAuthority:    cfg.Authority,
		SharedCache:      shared,
	})
	if err != nil {
		log.Fatalf("creating client factory: %v", err)
	}

	auth := identity.New(identity.Config{
		ClientID:         cfg.ClientID,
		ClientCredential: cfg.ClientSecret,
		OIDCAuthority:    cfg.Authority,
		Factory:          factory,
		SharedCache:      shared,
	})

	validator := apiauth.New(apiauth.Config{
		ClientID:      cfg.ClientID,
		OIDCAuthority: cfg.Authority,
		SharedCache:   shared,
	})

	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}

	svr := &server{
		auth:      auth,
		validator: validator,
		sessions: &middleware.GorillaSessions{
			Store: sessions.NewCookieStore([]byte("example-only-not-a-secret")),
		},
		redirectURL: cfg.RedirectURL,
		scopes:      scopes,
	}

	log.Printf("Listening on: http://%s", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, svr); err != nil {
		log.Fatal(err)
	}
}
