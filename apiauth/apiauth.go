// Package apiauth validates the bearer tokens protecting a web API:
// signing-key discovery and caching, signature, audience, issuer and
// scope checks. Validation failures are structured HTTP-style errors
// carrying the status code and WWW-Authenticate challenge to respond
// with.
package apiauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/identitykit/identity/discovery"
)

var baseLogAttr = slog.String("component", "apiauth")

// Config holds the registration of a web API with its authority.
type Config struct {
	// ClientID of the web API, issued by its authority. Incoming tokens
	// must carry it as their audience. Required.
	ClientID string

	// OIDCAuthority is the authority the API registered with, used
	// as-is to form the metadata endpoint.
	OIDCAuthority string
	// Authority is the Entra-style alternative: metadata is fetched from
	// Authority + "/v2.0", and token issuers are matched with the
	// token's own tenant substituted into a {tenantid} placeholder.
	Authority string

	// HTTPClient used for metadata and key fetches. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// SharedCache caches the metadata and JWKS fetches. One is created
	// if not set.
	SharedCache *discovery.SharedCache

	// Logger for the validator. Defaults to slog.Default().
	Logger *slog.Logger
}

// Claims is the validated claim set of a bearer token.
type Claims struct {
	Subject  string
	Issuer   string
	TenantID string
	// Scopes granted to the token, from its space-delimited scp claim.
	Scopes []string

	// Raw holds the full claim set.
	Raw map[string]any
}

// Validator validates incoming bearer tokens. It is expected to be
// long-lived with the web API; its key and metadata caches refresh at
// most once per calendar day.
type Validator struct {
	clientID      string
	authority     string
	oidcAuthority string
	realm         string

	disc   *discovery.Client
	keys   *discovery.KeyCache
	logger *slog.Logger
}

// New creates a Validator from the given configuration.
func New(cfg Config) *Validator {
	v := &Validator{
		clientID:      cfg.ClientID,
		authority:     cfg.Authority,
		oidcAuthority: cfg.OIDCAuthority,
		logger:        cfg.Logger,
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}

	// The realm identifies the protection space in challenges.
	v.realm = cfg.OIDCAuthority
	if v.realm == "" {
		v.realm = cfg.Authority
	}

	idp := cfg.OIDCAuthority
	if idp == "" && cfg.Authority != "" {
		idp = cfg.Authority + "/v2.0"
	}
	if idp != "" {
		var opts []discovery.ClientOpt
		if cfg.HTTPClient != nil {
			opts = append(opts, discovery.WithHTTPClient(cfg.HTTPClient))
		}
		if cfg.SharedCache != nil {
			opts = append(opts, discovery.WithSharedCache(cfg.SharedCache))
		}
		v.disc = discovery.NewClient(idp, opts...)
		v.keys = discovery.NewKeyCache(v.disc)
	}

	return v
}

// Validate checks the Authorization header value against the
// authority's signing keys, the configured audience, the expected
// issuer, and the expected scopes. On failure it returns an *HTTPError
// the caller should translate directly into an HTTP response.
func (v *Validator) Validate(ctx context.Context, authorization string, expectedScopes []string) (*Claims, error) {
	// https://datatracker.ietf.org/doc/html/rfc6750#section-3
	if authorization == "" {
		return nil, &HTTPError{
			Code:            http.StatusUnauthorized,
			Description:     "Authorization header is missing",
			WWWAuthenticate: (&BearerError{Realm: v.realm}).String(),
		}
	}

	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return nil, &HTTPError{
			Code:            http.StatusUnauthorized,
			Description:     "Authorization header is invalid",
			WWWAuthenticate: (&BearerError{Realm: v.realm, Code: BearerErrorCodeInvalidRequest}).String(),
		}
	}

	return v.validateBearerToken(ctx, parts[1], expectedScopes)
}

func (v *Validator) validateBearerToken(ctx context.Context, token string, expectedScopes []string) (*Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, v.bearerError(BearerErrorCodeInvalidToken, err.Error(), nil)
	}
	kid, _ := unverified.Header["kid"].(string)

	if v.keys == nil {
		// Error out gracefully rather than crash the request.
		return nil, &HTTPError{Code: http.StatusInternalServerError, Description: "No authority to fetch keys from"}
	}
	key, err := v.keys.SigningKey(ctx, kid)
	if err != nil {
		v.logger.ErrorContext(ctx, "failed to get signing keys", baseLogAttr, slog.String("err", err.Error()))
		return nil, &HTTPError{Code: http.StatusInternalServerError, Description: fmt.Sprintf("Failed to get keys: %v", err)}
	}
	if key == nil {
		return nil, v.bearerError(BearerErrorCodeInvalidToken, fmt.Sprintf("Key not found for kid %s", kid), nil)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		// Pin the accepted algorithm to the key's declared one, rather
		// than trusting the token header, to prevent downgrade attacks.
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithAudience(v.clientID),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.Key, nil
	}); err != nil {
		return nil, v.bearerError(BearerErrorCodeInvalidToken, err.Error(), nil)
	}

	scp, _ := claims["scp"].(string)
	authorized := strings.Fields(scp)
	var missing []string
	for _, s := range expectedScopes {
		if !slices.Contains(authorized, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, v.bearerError(BearerErrorCodeInsufficientScope,
			fmt.Sprintf("Insufficient scope(s). This API expects %q, but got only %q.",
				strings.Join(expectedScopes, " "), strings.Join(authorized, " ")),
			expectedScopes)
	}

	// The expected issuer comes from the key's own issuer hint when the
	// authority publishes one, else from the discovery document.
	expectedIssuer := key.Issuer
	if expectedIssuer == "" {
		md, err := v.disc.Metadata(ctx)
		if err != nil {
			v.logger.ErrorContext(ctx, "failed to get OIDC config", baseLogAttr, slog.String("err", err.Error()))
			return nil, &HTTPError{Code: http.StatusInternalServerError, Description: fmt.Sprintf("Failed to get OIDC config: %v", err)}
		}
		expectedIssuer = md.Issuer
	}
	tid, _ := claims["tid"].(string)
	if v.authority != "" && tid != "" {
		// Multi-tenant authority: each tenant has its own issuer.
		expectedIssuer = strings.ReplaceAll(expectedIssuer, "{tenantid}", tid)
	}
	iss, _ := claims["iss"].(string)
	if iss != expectedIssuer {
		return nil, v.bearerError(BearerErrorCodeInvalidToken,
			fmt.Sprintf("Issuer mismatch. (Expected %s, got %s)", expectedIssuer, iss), nil)
	}

	sub, _ := claims["sub"].(string)
	return &Claims{
		Subject:  sub,
		Issuer:   iss,
		TenantID: tid,
		Scopes:   authorized,
		Raw:      map[string]any(claims),
	}, nil
}

func (v *Validator) bearerError(code BearerErrorCode, description string, scopes []string) *HTTPError {
	be := &BearerError{
		Realm:       v.realm,
		Code:        code,
		Description: description,
		Scopes:      scopes,
	}
	return &HTTPError{
		Code:            statusForCode(code),
		Description:     fmt.Sprintf("%s: %s", code, description),
		WWWAuthenticate: be.String(),
	}
}

type claimsContextKey struct{}

// RequireScopes returns a middleware that validates the request's
// bearer token and required scopes, attaching the validated claims to
// the request context on success.
func (v *Validator) RequireScopes(expectedScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Validate(r.Context(), r.Header.Get("Authorization"), expectedScopes)
			if err != nil {
				WriteError(w, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims))
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext returns the validated claims for the given request
// context, if the request passed through RequireScopes.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}
