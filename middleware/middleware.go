// Package middleware protects web-app routes with session-based
// authentication, driving the identity engine's two-leg login protocol
// from plain net/http handlers.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/identitykit/identity"
)

var baseLogAttr = slog.String("component", "identity-middleware")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

type authContextKey struct{}

// DefaultTokenExpiresIn is assumed when a token result carries no
// expiry of its own.
const DefaultTokenExpiresIn = 300

// SessionStore loads and saves the identity session for a request.
// Sessions should be stored in a way that does not reveal their
// contents to the end user.
type SessionStore interface {
	// GetSession always returns a valid, usable session; an absent one
	// comes back empty. error indicates a failure to not proceed from.
	GetSession(r *http.Request) (identity.Session, error)
	// SaveSession persists the (possibly mutated) session.
	SaveSession(w http.ResponseWriter, r *http.Request, sess identity.Session) error
}

// AuthContext is what a protected handler gets to see about the
// current request's principal.
type AuthContext struct {
	// User is the signed-in user's validated claims.
	User *identity.UserClaims

	// AccessToken for the scopes the route was protected with. Empty
	// when the route requested no scopes.
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	// Scopes the token was actually granted.
	Scopes []string
}

// RequireSession resolves the request's principal: the signed-in user,
// plus an access token when scopes are given. A nil return means an
// interactive login is needed.
func RequireSession(ctx context.Context, a *identity.Auth, sess identity.Session, scopes []string) *AuthContext {
	user := a.GetUser(ctx, sess)
	if user == nil {
		return nil
	}

	actx := &AuthContext{User: user}
	if len(scopes) == 0 {
		return actx
	}

	result := a.GetTokenForUser(ctx, sess, scopes)
	if result.Failed() {
		return nil
	}

	actx.AccessToken = result.AccessToken
	actx.TokenType = result.TokenType
	if actx.TokenType == "" {
		actx.TokenType = "Bearer"
	}
	actx.ExpiresIn = result.ExpiresIn
	if actx.ExpiresIn == 0 {
		actx.ExpiresIn = DefaultTokenExpiresIn
	}
	if result.Scope != "" {
		actx.Scopes = strings.Fields(result.Scope)
	} else {
		actx.Scopes = scopes
	}
	return actx
}

// Handler wraps another http.Handler, requiring a signed-in user (and
// optionally a token for Scopes) before the wrapped handler runs.
// Unauthenticated requests are sent through the login flow and return
// to their original destination.
type Handler struct {
	// Auth is the identity engine. Required.
	Auth *identity.Auth
	// SessionStore persists identity state across requests. Required.
	SessionStore SessionStore

	// RedirectURL is the absolute callback URL registered for this app.
	// The middleware completes logins on requests arriving there.
	RedirectURL string
	// BaseURL is where users land when their original destination is
	// unknown or unsafe.
	BaseURL string
	// Scopes the wrapped routes need tokens for.
	Scopes []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Wrap returns an http.Handler enforcing authentication around next.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		if h.SessionStore == nil {
			logger.ErrorContext(r.Context(), "uninitialized session store", baseLogAttr)
			http.Error(w, "Uninitialized session store", http.StatusInternalServerError)
			return
		}
		sess, err := h.SessionStore.GetSession(r)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get session", baseLogAttr, errAttr(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Already signed in, possibly after a silent refresh that
		// mutated the session.
		if actx := RequireSession(r.Context(), h.Auth, sess, h.Scopes); actx != nil {
			if err := h.SessionStore.SaveSession(w, r, sess); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), authContextKey{}, actx))
			next.ServeHTTP(w, r)
			return
		}

		// A login finishing.
		if h.isCallback(r) {
			result := h.Auth.CompleteLogIn(r.Context(), sess, r.URL.Query())
			if result.Error != "" {
				if err := h.SessionStore.SaveSession(w, r, sess); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				http.Error(w, fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription), http.StatusForbidden)
				return
			}
			if err := h.SessionStore.SaveSession(w, r, sess); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			returnTo := result.NextLink
			if returnTo == "" {
				returnTo = h.BaseURL
			}
			http.Redirect(w, r, returnTo, http.StatusSeeOther)
			return
		}

		// Not authenticated. Kick off a login.
		nextLink := ""
		if r.Method == http.MethodGet {
			nextLink = r.URL.RequestURI()
		}
		result := h.Auth.LogIn(r.Context(), sess, identity.LoginOptions{
			Scopes:      h.Scopes,
			RedirectURI: h.RedirectURL,
			NextLink:    nextLink,
		})
		if result.Error != "" {
			logger.ErrorContext(r.Context(), "failed to start login", baseLogAttr,
				slog.String("error_code", result.Error))
			http.Error(w, fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription), http.StatusInternalServerError)
			return
		}
		if err := h.SessionStore.SaveSession(w, r, sess); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, result.AuthURI, http.StatusSeeOther)
	})
}

// isCallback reports whether the request looks like the identity
// provider redirecting back to our registered callback.
func (h *Handler) isCallback(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	q := r.URL.Query()
	if q.Get("error") != "" {
		return true
	}
	return q.Get("state") != "" && q.Get("code") != ""
}

// AuthFromContext returns the AuthContext for the given request
// context, if the request passed through a Handler.
func AuthFromContext(ctx context.Context) *AuthContext {
	actx, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return actx
}
