// Package session bridges the auth provider to the daemon's session state:
// it owns the status machine transitions, the signed-in user and the
// navigation route shown by clients.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/status"
)

// Route is a navigation target for clients.
type Route string

const (
	RouteHome   Route = "home"
	RouteSignIn Route = "sign_in"
	RouteSignUp Route = "sign_up"
)

// Auth is the auth provider.
type Auth interface {
	Session(ctx context.Context) (*backend.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.AuthUser, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(fn func(backend.AuthChange)) func()
}

// Profiles writes rows of the users table.
type Profiles interface {
	UpsertProfile(ctx context.Context, u model.User) error
	InsertProfile(ctx context.Context, u model.User) error
}

// Error is a failed session operation. Its message is fit for display.
type Error struct {
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

func userError(err error) error {
	return &Error{Message: backend.UserMessage(err), cause: err}
}

// Manager owns the authenticated session of a profile.
type Manager struct {
	auth     Auth
	profiles Profiles
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	validate *validator.Validate

	mu    sync.Mutex
	user  *model.User
	token string
	route Route
	unsub func()
	// signingIn counts SignIn calls in flight. Their SIGNED_IN notification
	// is applied by SignIn itself once the profile row exists.
	signingIn int
}

// NewManager creates a session manager. auth is nil when no backend is configured.
func NewManager(auth Auth, profiles Profiles, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		auth:     auth,
		profiles: profiles,
		machine:  machine,
		bus:      b,
		logger:   logger.Named("session"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Start resolves the existing session and follows provider auth changes.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.machine.Transition(status.Loading); err != nil {
		return err
	}
	if m.auth == nil {
		m.logger.Warn("backend is not configured; set [backend] url and api_key in config.toml or WPWEB_BACKEND_URL and WPWEB_BACKEND_KEY")
		m.bus.Emit(bus.KindSessionWarning, "backend is not configured")
		m.apply(nil)
		m.navigate(RouteSignIn)
		return nil
	}

	unsub := m.auth.OnAuthStateChange(func(c backend.AuthChange) {
		m.logger.Debug("auth state change", zap.String("event", string(c.Event)))
		if c.Event == backend.EventSignedIn && m.inSignIn() {
			return
		}
		m.apply(c.Session)
	})
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()

	s, err := m.auth.Session(ctx)
	if err != nil {
		m.logger.Warn("failed to restore session", zap.Error(err))
		s = nil
	}
	m.apply(s)
	if s != nil {
		m.navigate(RouteHome)
	} else {
		m.navigate(RouteSignIn)
	}
	return nil
}

// Stop detaches from the auth provider.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

type credentials struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,max=72"`
}

type registration struct {
	Email       string `validate:"required,email,max=254"`
	Password    string `validate:"required,min=6,max=72"`
	DisplayName string `validate:"required,max=64"`
}

// SignIn authenticates with email and password, upserts the profile row and
// then publishes the authenticated session and routes home.
func (m *Manager) SignIn(ctx context.Context, email, password string) (Route, error) {
	email = strings.TrimSpace(email)
	if err := m.check(credentials{Email: email, Password: password}); err != nil {
		return "", err
	}
	if m.auth == nil {
		return "", userError(backend.ErrNotConfigured)
	}

	m.mu.Lock()
	m.signingIn++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.signingIn--
		m.mu.Unlock()
	}()

	prior := m.enterLoading()
	s, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		m.logger.Info("sign in failed", zap.String("email", email), zap.Error(err))
		m.settle(prior)
		return "", userError(err)
	}

	u := userFromSession(s)
	if err := m.upsertProfile(ctx, u); err != nil {
		m.logger.Warn("failed to upsert user profile", zap.String("user_id", u.ID), zap.Error(err))
	}
	m.apply(s)
	m.navigate(RouteHome)
	return RouteHome, nil
}

// SignUp registers a new account and routes to sign-in. A failed profile
// insert is logged and does not fail the sign-up.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) (Route, error) {
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if err := m.check(registration{Email: email, Password: password, DisplayName: displayName}); err != nil {
		return "", err
	}
	if m.auth == nil {
		return "", userError(backend.ErrNotConfigured)
	}

	au, err := m.auth.SignUp(ctx, email, password, map[string]any{"display_name": displayName})
	if err != nil {
		m.logger.Info("sign up failed", zap.String("email", email), zap.Error(err))
		return "", userError(err)
	}

	if m.profiles != nil {
		u := model.User{ID: au.ID, Email: email, DisplayName: displayName}
		if err := m.profiles.InsertProfile(ctx, u); err != nil {
			m.logger.Warn("failed to insert user profile", zap.String("user_id", au.ID), zap.Error(err))
		}
	}
	m.navigate(RouteSignIn)
	return RouteSignIn, nil
}

// SignOut revokes the session and routes to sign-in. Provider errors are
// returned and leave the session in place.
func (m *Manager) SignOut(ctx context.Context) (Route, error) {
	if m.auth == nil {
		return "", userError(backend.ErrNotConfigured)
	}
	if err := m.auth.SignOut(ctx); err != nil {
		m.logger.Warn("sign out failed", zap.Error(err))
		return "", userError(err)
	}
	m.apply(nil)
	m.navigate(RouteSignIn)
	return RouteSignIn, nil
}

// User returns the signed-in user, or nil.
func (m *Manager) User() *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Status returns the session state.
func (m *Manager) Status() status.State {
	return m.machine.Current()
}

// Route returns the last navigation target.
func (m *Manager) Route() Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

// apply adopts s as the provider's current session. Re-applying the same
// user and access token changes nothing.
func (m *Manager) apply(s *backend.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s == nil {
		had := m.user != nil
		m.user, m.token = nil, ""
		m.settleLocked(status.Anonymous)
		if had {
			m.logger.Info("signed out")
			m.bus.Emit(bus.KindSessionSignedOut, nil)
			m.navigateLocked(RouteSignIn)
		}
		return
	}

	u := userFromSession(s)
	if m.user != nil && m.user.ID == u.ID {
		if m.token != s.AccessToken {
			m.token = s.AccessToken
			m.logger.Debug("session refreshed", zap.String("user_id", u.ID))
			m.bus.Emit(bus.KindSessionRefreshed, u)
		}
		m.settleLocked(status.Authenticated)
		return
	}

	if m.user != nil {
		m.bus.Emit(bus.KindSessionSignedOut, nil)
	}
	m.user, m.token = &u, s.AccessToken
	m.settleLocked(status.Authenticated)
	m.logger.Info("signed in", zap.String("user_id", u.ID), zap.String("email", u.Email))
	m.bus.Emit(bus.KindSessionAuthenticated, u)
	m.navigateLocked(RouteHome)
}

func (m *Manager) inSignIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signingIn > 0
}

// enterLoading moves to Loading for an explicit sign-in and returns the
// state to fall back to on failure.
func (m *Manager) enterLoading() status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior := status.Anonymous
	if m.user != nil {
		prior = status.Authenticated
	}
	if m.machine.Current() != status.Loading {
		if err := m.machine.Transition(status.Loading); err != nil {
			m.logger.Warn("unexpected session transition", zap.Error(err))
		}
	}
	return prior
}

func (m *Manager) settle(to status.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(to)
}

func (m *Manager) settleLocked(to status.State) {
	if err := m.machine.Settle(to); err != nil {
		m.logger.Warn("unexpected session transition", zap.Error(err))
	}
}

func (m *Manager) navigate(r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.navigateLocked(r)
}

// navigateLocked publishes a route change. Repeating the current route is silent.
func (m *Manager) navigateLocked(r Route) {
	if m.route == r {
		return
	}
	m.route = r
	m.bus.Emit(bus.NavigateKind(string(r)), r)
}

func (m *Manager) upsertProfile(ctx context.Context, u model.User) error {
	if m.profiles == nil {
		return nil
	}
	return m.profiles.UpsertProfile(ctx, u)
}

func (m *Manager) check(v any) error {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return userError(err)
	}
	fe := verrs[0]
	ve := &backend.ValidationError{Field: fieldLabel(fe.Field()), Reason: reason(fe)}
	return &Error{Message: ve.Error(), cause: ve}
}

func fieldLabel(f string) string {
	switch f {
	case "DisplayName":
		return "display name"
	default:
		return strings.ToLower(f)
	}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "is not a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func userFromSession(s *backend.Session) model.User {
	return model.User{
		ID:          s.User.ID,
		Email:       s.User.Email,
		DisplayName: s.User.DisplayName(),
		CreatedAt:   s.User.CreatedAt,
	}
}
