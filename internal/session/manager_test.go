package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/backend/backendtest"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/status"
)

type fakeProfiles struct {
	upserts   []model.User
	inserts   []model.User
	upsertErr error
	insertErr error
	onUpsert  func()
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, u model.User) error {
	if f.onUpsert != nil {
		f.onUpsert()
	}
	f.upserts = append(f.upserts, u)
	return f.upsertErr
}

func (f *fakeProfiles) InsertProfile(_ context.Context, u model.User) error {
	f.inserts = append(f.inserts, u)
	return f.insertErr
}

type harness struct {
	m        *Manager
	auth     *backendtest.Auth
	profiles *fakeProfiles
	bus      *bus.Bus
	events   <-chan bus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	events, unsub := b.Subscribe("", 100)
	t.Cleanup(unsub)
	auth := backendtest.NewAuth()
	auth.AddUser("u1", "ana@example.com", "secret1")
	profiles := &fakeProfiles{}
	logger, _ := zap.NewDevelopment()
	m := NewManager(auth, profiles, status.NewMachine(b), b, logger)
	t.Cleanup(m.Stop)
	return &harness{m: m, auth: auth, profiles: profiles, bus: b, events: events}
}

// drain returns the kinds of all events published so far.
func (h *harness) drain() []string {
	var kinds []string
	for {
		select {
		case evt := <-h.events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(20 * time.Millisecond):
			return kinds
		}
	}
}

func count(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestStartWithoutSession(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.Status() != status.Anonymous {
		t.Errorf("status = %s, want ANONYMOUS", h.m.Status())
	}
	if h.m.Route() != RouteSignIn || h.m.User() != nil {
		t.Errorf("route = %s user = %v", h.m.Route(), h.m.User())
	}
	if h.auth.Listeners() != 1 {
		t.Errorf("auth listeners = %d, want 1", h.auth.Listeners())
	}
	h.m.Stop()
	if h.auth.Listeners() != 0 {
		t.Error("Stop did not detach from auth")
	}
}

func TestStartRestoresSession(t *testing.T) {
	h := newHarness(t)
	u := backend.AuthUser{ID: "u1", Email: "ana@example.com"}
	h.auth.SetSession(backendtest.NewSession(u, "tok"))

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.Status() != status.Authenticated || h.m.Route() != RouteHome {
		t.Errorf("status = %s route = %s", h.m.Status(), h.m.Route())
	}
	kinds := h.drain()
	if count(kinds, bus.KindSessionAuthenticated) != 1 || count(kinds, bus.NavigateKind("home")) != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestStartSessionErrorIsAnonymous(t *testing.T) {
	h := newHarness(t)
	h.auth.SessionErr = errors.New("storage broken")
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.Status() != status.Anonymous {
		t.Errorf("status = %s", h.m.Status())
	}
}

func TestStartNotConfigured(t *testing.T) {
	b := bus.New()
	warnings, unsub := b.Subscribe(bus.KindSessionWarning, 1)
	defer unsub()
	m := NewManager(nil, nil, status.NewMachine(b), b, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Status() != status.Anonymous {
		t.Errorf("status = %s", m.Status())
	}
	select {
	case <-warnings:
	default:
		t.Error("no warning published")
	}
	_, err := m.SignIn(context.Background(), "ana@example.com", "secret1")
	if err == nil || err.Error() != "backend is not configured" {
		t.Errorf("SignIn error = %v", err)
	}
	if !errors.Is(err, backend.ErrNotConfigured) {
		t.Error("error does not wrap ErrNotConfigured")
	}
}

func TestSignIn(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	h.drain()

	route, err := h.m.SignIn(context.Background(), " ana@example.com ", "secret1")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if route != RouteHome || h.m.Status() != status.Authenticated {
		t.Errorf("route = %s status = %s", route, h.m.Status())
	}
	if u := h.m.User(); u == nil || u.ID != "u1" {
		t.Errorf("user = %+v", u)
	}
	if len(h.profiles.upserts) != 1 || h.profiles.upserts[0].Email != "ana@example.com" {
		t.Errorf("profile upserts = %+v", h.profiles.upserts)
	}
	kinds := h.drain()
	if count(kinds, bus.KindSessionAuthenticated) != 1 {
		t.Errorf("authenticated events = %d, want 1 (%v)", count(kinds, bus.KindSessionAuthenticated), kinds)
	}
}

func TestSignInUpsertsProfileBeforeAuthenticated(t *testing.T) {
	tests := []struct {
		name      string
		upsertErr error
	}{
		{"upsert ok", nil},
		{"upsert fails", errors.New("rls")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.m.Start(context.Background())
			h.drain()

			var before []string
			var statusAtUpsert status.State
			h.profiles.upsertErr = tt.upsertErr
			h.profiles.onUpsert = func() {
				before = h.drain()
				statusAtUpsert = h.m.Status()
			}

			if _, err := h.m.SignIn(context.Background(), "ana@example.com", "secret1"); err != nil {
				t.Fatalf("SignIn() error = %v", err)
			}
			if n := count(before, bus.KindSessionAuthenticated); n != 0 {
				t.Errorf("authenticated published before the profile upsert: %v", before)
			}
			if statusAtUpsert == status.Authenticated {
				t.Error("status was authenticated before the profile upsert")
			}
			after := h.drain()
			if count(after, bus.KindSessionAuthenticated) != 1 {
				t.Errorf("events after upsert = %v, want one authenticated", after)
			}
			if h.m.Status() != status.Authenticated || h.m.Route() != RouteHome {
				t.Errorf("status = %s route = %s", h.m.Status(), h.m.Route())
			}
		})
	}
}

func TestExternalSignInStillApplies(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	h.drain()

	u := backend.AuthUser{ID: "u1", Email: "ana@example.com"}
	h.auth.Notify(backend.EventSignedIn, backendtest.NewSession(u, "tok-1"))
	if h.m.Status() != status.Authenticated || h.m.User() == nil {
		t.Errorf("status = %s user = %+v", h.m.Status(), h.m.User())
	}
	if kinds := h.drain(); count(kinds, bus.KindSessionAuthenticated) != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestSignInProfileFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	h.profiles.upsertErr = errors.New("rls")

	if _, err := h.m.SignIn(context.Background(), "ana@example.com", "secret1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if h.m.Status() != status.Authenticated {
		t.Errorf("status = %s", h.m.Status())
	}
}

func TestSignInFailures(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantMsg  string
	}{
		{"bad password", "ana@example.com", "wrong", "Invalid login credentials"},
		{"unknown user", "zed@example.com", "secret1", "Invalid login credentials"},
		{"empty email", "", "secret1", "email is required"},
		{"malformed email", "not-an-email", "secret1", "email is not a valid email address"},
		{"empty password", "ana@example.com", "", "password is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.m.Start(context.Background())

			route, err := h.m.SignIn(context.Background(), tt.email, tt.password)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
			if route != "" || h.m.Status() != status.Anonymous {
				t.Errorf("route = %q status = %s", route, h.m.Status())
			}
		})
	}
}

func TestSignInFailureKeepsPriorSession(t *testing.T) {
	h := newHarness(t)
	h.auth.SetSession(backendtest.NewSession(backend.AuthUser{ID: "u1", Email: "ana@example.com"}, "tok"))
	_ = h.m.Start(context.Background())

	if _, err := h.m.SignIn(context.Background(), "ana@example.com", "wrong"); err == nil {
		t.Fatal("expected error")
	}
	if h.m.Status() != status.Authenticated || h.m.User() == nil {
		t.Errorf("status = %s user = %v", h.m.Status(), h.m.User())
	}
}

func TestSignUp(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())

	route, err := h.m.SignUp(context.Background(), "new@example.com", "hunter22", "Newbie")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if route != RouteSignIn {
		t.Errorf("route = %s, want sign_in", route)
	}
	if len(h.profiles.inserts) != 1 || h.profiles.inserts[0].DisplayName != "Newbie" {
		t.Errorf("profile inserts = %+v", h.profiles.inserts)
	}
	if h.m.Status() != status.Anonymous {
		t.Errorf("status = %s; sign-up must not sign in", h.m.Status())
	}
}

func TestSignUpProfileFailureStillRoutesToSignIn(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	h.profiles.insertErr = &backend.Error{Status: 409, Code: "23505", Message: "duplicate key"}

	route, err := h.m.SignUp(context.Background(), "new@example.com", "hunter22", "Newbie")
	if err != nil || route != RouteSignIn {
		t.Errorf("SignUp() = %s, %v", route, err)
	}
}

func TestSignUpFailures(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())

	if _, err := h.m.SignUp(context.Background(), "ana@example.com", "hunter22", "Ana"); err == nil || err.Error() != "User already registered" {
		t.Errorf("duplicate sign up error = %v", err)
	}
	if _, err := h.m.SignUp(context.Background(), "x@example.com", "123", "X"); err == nil || err.Error() != "password must be at least 6 characters" {
		t.Errorf("short password error = %v", err)
	}
	if _, err := h.m.SignUp(context.Background(), "x@example.com", "hunter22", " "); err == nil || err.Error() != "display name is required" {
		t.Errorf("blank name error = %v", err)
	}
}

func TestSignOut(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	_, _ = h.m.SignIn(context.Background(), "ana@example.com", "secret1")
	h.drain()

	route, err := h.m.SignOut(context.Background())
	if err != nil || route != RouteSignIn {
		t.Fatalf("SignOut() = %s, %v", route, err)
	}
	if h.m.Status() != status.Anonymous || h.m.User() != nil {
		t.Errorf("status = %s user = %v", h.m.Status(), h.m.User())
	}
	kinds := h.drain()
	if count(kinds, bus.KindSessionSignedOut) != 1 || count(kinds, bus.NavigateKind("sign_in")) != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestSignOutErrorPropagates(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	_, _ = h.m.SignIn(context.Background(), "ana@example.com", "secret1")
	h.auth.SignOutErr = &backend.Error{Status: 503}

	if _, err := h.m.SignOut(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.m.Status() != status.Authenticated {
		t.Errorf("status = %s, want session kept", h.m.Status())
	}
}

func TestIdenticalNotificationsAreNoOps(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	s, err := h.auth.SignInWithPassword(context.Background(), "ana@example.com", "secret1")
	if err != nil {
		t.Fatal(err)
	}
	h.drain()
	before := h.m.Status()

	for i := 0; i < 3; i++ {
		h.auth.Notify(backend.EventSignedIn, s)
	}
	if kinds := h.drain(); len(kinds) != 0 {
		t.Errorf("repeated identical notifications published %v", kinds)
	}
	if h.m.Status() != before {
		t.Errorf("status changed to %s", h.m.Status())
	}
}

func TestTokenRefreshIsSilent(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	s, _ := h.auth.SignInWithPassword(context.Background(), "ana@example.com", "secret1")
	h.drain()

	refreshed := backendtest.NewSession(s.User, "new-token")
	h.auth.Notify(backend.EventTokenRefreshed, refreshed)

	kinds := h.drain()
	if len(kinds) != 1 || kinds[0] != bus.KindSessionRefreshed {
		t.Errorf("events = %v, want only session.refreshed", kinds)
	}
	if h.m.Status() != status.Authenticated {
		t.Errorf("status = %s", h.m.Status())
	}
}

func TestExternalSignOut(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Start(context.Background())
	_, _ = h.m.SignIn(context.Background(), "ana@example.com", "secret1")

	h.auth.Notify(backend.EventSignedOut, nil)
	if h.m.Status() != status.Anonymous || h.m.Route() != RouteSignIn {
		t.Errorf("status = %s route = %s", h.m.Status(), h.m.Route())
	}
}
