package backendtest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/wpweb/internal/backend"
)

// Auth is an in-memory password auth provider.
type Auth struct {
	mu        sync.Mutex
	users     map[string]account
	session   *backend.Session
	listeners map[int]func(backend.AuthChange)
	nextID    int

	// SignOutErr, when set, is returned by SignOut and the session is kept.
	SignOutErr error
	// SessionErr, when set, is returned by Session.
	SessionErr error
}

type account struct {
	password string
	user     backend.AuthUser
}

// NewAuth returns a provider with no accounts.
func NewAuth() *Auth {
	return &Auth{
		users:     make(map[string]account),
		listeners: make(map[int]func(backend.AuthChange)),
	}
}

// AddUser registers an account.
func (a *Auth) AddUser(id, email, password string) backend.AuthUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := backend.AuthUser{ID: id, Email: email, CreatedAt: time.Now().UTC()}
	a.users[email] = account{password: password, user: u}
	return u
}

// NewSession builds a session for u with the given access token.
func NewSession(u backend.AuthUser, token string) *backend.Session {
	return &backend.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         u,
	}
}

// SetSession replaces the current session without notifying listeners.
func (a *Auth) SetSession(s *backend.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
}

// Notify sets the session and delivers change to every listener, as a token
// refresh or an external sign-out would.
func (a *Auth) Notify(event backend.AuthEvent, s *backend.Session) {
	a.mu.Lock()
	a.session = s
	fns := a.listenerList()
	a.mu.Unlock()
	for _, fn := range fns {
		fn(backend.AuthChange{Event: event, Session: s})
	}
}

// Listeners counts registered auth listeners.
func (a *Auth) Listeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// Session returns the current session.
func (a *Auth) Session(ctx context.Context) (*backend.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SessionErr != nil {
		return nil, a.SessionErr
	}
	return a.session, nil
}

// SignInWithPassword checks credentials against the registered accounts.
func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	a.mu.Lock()
	acc, ok := a.users[email]
	if !ok || acc.password != password {
		a.mu.Unlock()
		return nil, &backend.Error{Op: "sign in", Status: http.StatusBadRequest, Code: "invalid_grant", Message: "Invalid login credentials"}
	}
	s := NewSession(acc.user, uuid.NewString())
	a.session = s
	fns := a.listenerList()
	a.mu.Unlock()

	for _, fn := range fns {
		fn(backend.AuthChange{Event: backend.EventSignedIn, Session: s})
	}
	return s, nil
}

// SignUp registers a new account. It does not sign in.
func (a *Auth) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.AuthUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[email]; ok {
		return nil, &backend.Error{Op: "sign up", Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}
	u := backend.AuthUser{ID: uuid.NewString(), Email: email, UserMetadata: metadata, CreatedAt: time.Now().UTC()}
	a.users[email] = account{password: password, user: u}
	return &u, nil
}

// SignOut clears the session.
func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	if a.SignOutErr != nil {
		err := a.SignOutErr
		a.mu.Unlock()
		return err
	}
	a.session = nil
	fns := a.listenerList()
	a.mu.Unlock()
	for _, fn := range fns {
		fn(backend.AuthChange{Event: backend.EventSignedOut})
	}
	return nil
}

// OnAuthStateChange registers fn and returns its removal function.
func (a *Auth) OnAuthStateChange(fn func(backend.AuthChange)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

func (a *Auth) listenerList() []func(backend.AuthChange) {
	out := make([]func(backend.AuthChange), 0, len(a.listeners))
	for id := 0; id < a.nextID; id++ {
		if fn, ok := a.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
