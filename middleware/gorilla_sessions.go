package middleware

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/identitykit/identity"
)

const defaultSessionName = "identity-session"

// GorillaSessions adapts a gorilla sessions store to the SessionStore
// interface, letting the identity state live alongside whatever else
// the app keeps in its sessions.
type GorillaSessions struct {
	// Store is the gorilla sessions store to use
	Store sessions.Store
	// SessionName is a name used for the session. If not set, a default
	// is used.
	SessionName string
}

func (g *GorillaSessions) GetSession(r *http.Request) (identity.Session, error) {
	if g.Store == nil {
		return nil, fmt.Errorf("store must be set")
	}
	if g.SessionName == "" {
		g.SessionName = defaultSessionName
	}

	session, err := g.Store.Get(r, g.SessionName)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", g.SessionName, err)
	}

	return &gorillaSession{session: session}, nil
}

func (g *GorillaSessions) SaveSession(w http.ResponseWriter, r *http.Request, sess identity.Session) error {
	gs, ok := sess.(*gorillaSession)
	if !ok {
		return fmt.Errorf("session was not created by this store")
	}
	if err := gs.session.Save(r, w); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// gorillaSession exposes a gorilla session's Values as an identity
// session. Values are stored as []byte, which the default gob codec
// handles without registration.
type gorillaSession struct {
	session *sessions.Session
}

func (s *gorillaSession) Get(key string) ([]byte, bool) {
	v, ok := s.session.Values[key].([]byte)
	return v, ok
}

func (s *gorillaSession) Set(key string, value []byte) {
	s.session.Values[key] = value
}

func (s *gorillaSession) Delete(key string) {
	delete(s.session.Values, key)
}
