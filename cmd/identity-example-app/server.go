package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"

	"github.com/identitykit/identity"
	"github.com/identitykit/identity/apiauth"
	"github.com/identitykit/identity/middleware"
)

type server struct {
	auth      *identity.Auth
	validator *apiauth.Validator
	sessions  middleware.SessionStore

	redirectURL string
	scopes      []string

	mux      *http.ServeMux
	muxSetup sync.Once
}

const homePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Example app</title>
	</head>
	<body>
		{{ if .user }}
			<h1>Hello, {{ .user.Name }}</h1>
			<p><a href="/token">Get an API token</a></p>
			<p><a href="/logout">Log out</a></p>
		{{ else }}
			<h1>Not signed in</h1>
			<p><a href="/login">Log in</a></p>
		{{ end }}
	</body>
</html>`

var homeTmpl = template.Must(template.New("homePage").Parse(homePage))

func (s *server) home(w http.ResponseWriter, req *http.Request) {
	sess, err := s.sessions.GetSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tmplData := map[string]any{}
	if user := s.auth.GetUser(req.Context(), sess); user != nil {
		tmplData["user"] = user
	}
	// GetUser may have refreshed the stored user.
	if err := s.sessions.SaveSession(w, req, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := homeTmpl.Execute(w, tmplData); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
	}
}

func (s *server) login(w http.ResponseWriter, req *http.Request) {
	sess, err := s.sessions.GetSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := s.auth.LogIn(req.Context(), sess, identity.LoginOptions{
		Scopes:      s.scopes,
		RedirectURI: s.redirectURL,
		NextLink:    "/",
	})
	if result.Error != "" {
		http.Error(w, fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription), http.StatusInternalServerError)
		return
	}
	if err := s.sessions.SaveSession(w, req, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, req, result.AuthURI, http.StatusSeeOther)
}

func (s *server) callback(w http.ResponseWriter, req *http.Request) {
	sess, err := s.sessions.GetSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := s.auth.CompleteLogIn(req.Context(), sess, req.URL.Query())
	if err := s.sessions.SaveSession(w, req, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.Error != "" {
		http.Error(w, fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription), http.StatusForbidden)
		return
	}

	returnTo := result.NextLink
	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, req, returnTo, http.StatusSeeOther)
}

func (s *server) logout(w http.ResponseWriter, req *http.Request) {
	sess, err := s.sessions.GetSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logoutURL := s.auth.LogOut(req.Context(), sess, "/")
	if err := s.sessions.SaveSession(w, req, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, req, logoutURL, http.StatusSeeOther)
}

func (s *server) token(w http.ResponseWriter, req *http.Request) {
	sess, err := s.sessions.GetSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := s.auth.GetTokenForUser(req.Context(), sess, s.scopes)
	if err := s.sessions.SaveSession(w, req, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.Failed() {
		http.Error(w, fmt.Sprintf("%s: %s", result.Error, result.ErrorDescription), http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// apiData is a bearer-token protected endpoint, to show the apiauth
// side. Call it with the access token from /token.
func (s *server) apiData(w http.ResponseWriter, req *http.Request) {
	claims := apiauth.ClaimsFromContext(req.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"subject": claims.Subject,
		"scopes":  claims.Scopes,
		"data":    "hello from the API",
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.muxSetup.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("/", s.home)
		s.mux.HandleFunc("/login", s.login)
		s.mux.HandleFunc("/callback", s.callback)
		s.mux.HandleFunc("/logout", s.logout)
		s.mux.HandleFunc("/token", s.token)
		s.mux.Handle("/api/data", s.validator.RequireScopes(s.scopes...)(http.HandlerFunc(s.apiData)))
	})

	s.mux.ServeHTTP(w, req)
}
