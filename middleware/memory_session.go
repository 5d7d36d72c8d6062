package middleware

import (
	"fmt"
	"maps"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/identitykit/identity"
)

// MemorySessionStore is a simple session store, that tracks state in
// memory. It is mainly used for testing, it is not suitable for
// anything outside a single process.
type MemorySessionStore struct {
	// CookieTemplate is used to create the cookie we track the session
	// ID in. It must have at least the name set.
	CookieTemplate *http.Cookie

	sessions   map[string]identity.MapSession
	sessionsMu sync.Mutex
}

func (m *MemorySessionStore) GetSession(r *http.Request) (identity.Session, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if err := m.init(); err != nil {
		return nil, err
	}

	sid, err := m.sidFromCookie(r)
	if err != nil {
		return nil, err
	}

	sess := identity.MapSession{}
	if sid != "" {
		if stored, ok := m.sessions[sid]; ok {
			maps.Copy(sess, stored)
		}
	}
	return sess, nil
}

func (m *MemorySessionStore) SaveSession(w http.ResponseWriter, r *http.Request, sess identity.Session) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if err := m.init(); err != nil {
		return err
	}

	ms, ok := sess.(identity.MapSession)
	if !ok {
		return fmt.Errorf("session was not created by this store")
	}

	// Rotate the session ID on every save.
	if sid, _ := m.sidFromCookie(r); sid != "" {
		delete(m.sessions, sid)
	}
	sid := uuid.NewString()
	m.sessions[sid] = ms

	nc := &http.Cookie{}
	*nc = *m.CookieTemplate
	nc.Value = sid
	http.SetCookie(w, nc)

	return nil
}

func (m *MemorySessionStore) init() error {
	if m.sessions == nil {
		m.sessions = make(map[string]identity.MapSession)
	}
	if m.CookieTemplate == nil || m.CookieTemplate.Name == "" {
		return fmt.Errorf("cookie template missing name")
	}
	return nil
}

func (m *MemorySessionStore) sidFromCookie(r *http.Request) (string, error) {
	c, err := r.Cookie(m.CookieTemplate.Name)
	if err != nil && err != http.ErrNoCookie {
		return "", fmt.Errorf("failed getting cookie: %w", err)
	}
	if c != nil {
		return c.Value, nil
	}
	return "", nil
}
