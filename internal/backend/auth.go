package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Session is an authenticated auth session.
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         AuthUser `json:"user"`
}

// Expiry is when the access token stops being accepted.
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// AuthUser is the auth provider's view of a user.
type AuthUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DisplayName reads display_name from the sign-up metadata.
func (u AuthUser) DisplayName() string {
	if v, ok := u.UserMetadata["display_name"].(string); ok {
		return v
	}
	return ""
}

// AuthEvent names an auth state change.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// AuthChange is delivered to auth state listeners. Session is nil on sign-out.
type AuthChange struct {
	Event   AuthEvent
	Session *Session
}

// SessionStorage persists the session across restarts.
type SessionStorage interface {
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ClearSession(ctx context.Context) error
}

// Tuning for background refresh; tests shorten these.
var (
	refreshTick   = 30 * time.Second
	refreshMargin = 90 * time.Second
)

// AuthClient signs users in and keeps their session fresh.
type AuthClient struct {
	c       *Client
	storage SessionStorage
	log     *zap.Logger

	mu        sync.Mutex
	session   *Session
	loaded    bool
	listeners map[int]func(AuthChange)
	nextID    int

	refreshMu   sync.Mutex
	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

func newAuthClient(c *Client, storage SessionStorage) *AuthClient {
	return &AuthClient{
		c:         c,
		storage:   storage,
		log:       c.log.Named("auth"),
		listeners: make(map[int]func(AuthChange)),
	}
}

func (a *AuthClient) accessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.AccessToken
}

// Session returns the current session, loading it from storage on first use
// and refreshing it when it is about to expire. It returns (nil, nil) when
// nobody is signed in.
func (a *AuthClient) Session(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	s := a.session
	needLoad := !a.loaded && a.storage != nil
	a.loaded = true
	a.mu.Unlock()

	if s == nil && needLoad {
		stored, err := a.storage.LoadSession(ctx)
		if err != nil {
			a.log.Warn("load stored session", zap.Error(err))
		}
		if stored != nil {
			a.mu.Lock()
			if a.session == nil {
				a.session = stored
			}
			s = a.session
			a.mu.Unlock()
		}
	}
	if s == nil {
		return nil, nil
	}
	if time.Until(s.Expiry()) > refreshMargin {
		return s, nil
	}
	return a.refresh(ctx, s)
}

// SignInWithPassword exchanges credentials for a session.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := a.c.send(ctx, "sign in", request{
		service:     "auth",
		method:      http.MethodPost,
		path:        "/auth/v1/token",
		query:       url.Values{"grant_type": {"password"}},
		body:        body,
		contentType: mimeJSON,
		bearer:      a.c.apiKey,
	})
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return nil, &Error{Op: "sign in", Status: resp.status, cause: err}
	}
	s.fillExpiry()
	a.setSession(ctx, &s, EventSignedIn)
	return &s, nil
}

// SignUp registers a new user. metadata lands in the user's user_metadata.
// The returned session, if the project auto-confirms, is not adopted: callers
// sign in explicitly afterwards.
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*AuthUser, error) {
	body, _ := json.Marshal(map[string]any{"email": email, "password": password, "data": metadata})
	resp, err := a.c.send(ctx, "sign up", request{
		service:     "auth",
		method:      http.MethodPost,
		path:        "/auth/v1/signup",
		body:        body,
		contentType: mimeJSON,
		bearer:      a.c.apiKey,
	})
	if err != nil {
		return nil, err
	}
	// Depending on email confirmation the response is a session or a bare user.
	var out struct {
		AuthUser
		User *AuthUser `json:"user"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, &Error{Op: "sign up", Status: resp.status, cause: err}
	}
	if out.User != nil {
		return out.User, nil
	}
	return &out.AuthUser, nil
}

// SignOut revokes the session remotely and forgets it locally. A session the
// server no longer knows is treated as already signed out.
func (a *AuthClient) SignOut(ctx context.Context) error {
	token := a.accessToken()
	if token != "" {
		_, err := a.c.send(ctx, "sign out", request{
			service: "auth",
			method:  http.MethodPost,
			path:    "/auth/v1/logout",
			bearer:  token,
		})
		switch Status(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			err = nil
		}
		if err != nil {
			return err
		}
	}
	a.setSession(ctx, nil, EventSignedOut)
	return nil
}

// OnAuthStateChange registers fn for auth changes and returns a function that
// removes it. Listeners run synchronously on the goroutine causing the change.
func (a *AuthClient) OnAuthStateChange(fn func(AuthChange)) func() {
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

// StartAutoRefresh refreshes the session in the background shortly before
// it expires. Calling it again restarts the loop.
func (a *AuthClient) StartAutoRefresh(ctx context.Context) {
	a.StopAutoRefresh()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.refreshMu.Lock()
	a.stopRefresh = cancel
	a.refreshDone = done
	a.refreshMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(refreshTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.mu.Lock()
				s := a.session
				a.mu.Unlock()
				if s != nil && time.Until(s.Expiry()) <= refreshMargin {
					if _, err := a.refresh(ctx, s); err != nil {
						a.log.Warn("background token refresh failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// StopAutoRefresh stops the background loop and waits for it to exit.
func (a *AuthClient) StopAutoRefresh() {
	a.refreshMu.Lock()
	cancel, done := a.stopRefresh, a.refreshDone
	a.stopRefresh, a.refreshDone = nil, nil
	a.refreshMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *AuthClient) refresh(ctx context.Context, old *Session) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": old.RefreshToken})
	resp, err := a.c.send(ctx, "refresh token", request{
		service:     "auth",
		method:      http.MethodPost,
		path:        "/auth/v1/token",
		query:       url.Values{"grant_type": {"refresh_token"}},
		body:        body,
		contentType: mimeJSON,
		bearer:      a.c.apiKey,
	})
	if err != nil {
		var be *Error
		// A rejected refresh token means the session is gone for good.
		if errors.As(err, &be) && be.Status >= 400 && be.Status < 500 {
			a.setSession(ctx, nil, EventSignedOut)
			return nil, nil
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return nil, &Error{Op: "refresh token", Status: resp.status, cause: err}
	}
	s.fillExpiry()
	a.setSession(ctx, &s, EventTokenRefreshed)
	return &s, nil
}

func (s *Session) fillExpiry() {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
}

func (a *AuthClient) setSession(ctx context.Context, s *Session, event AuthEvent) {
	a.mu.Lock()
	a.session = s
	a.loaded = true
	listeners := make([]func(AuthChange), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	if a.storage != nil {
		var err error
		if s == nil {
			err = a.storage.ClearSession(ctx)
		} else {
			err = a.storage.SaveSession(ctx, s)
		}
		if err != nil {
			a.log.Warn("persist session", zap.Error(err))
		}
	}
	for _, fn := range listeners {
		fn(AuthChange{Event: event, Session: s})
	}
}
