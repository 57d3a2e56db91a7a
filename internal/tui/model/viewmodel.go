package model

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/chatsync"
	chat "github.com/matheus3301/wpweb/internal/model"
)

const flashTTL = 5 * time.Second

// ViewModel caches daemon state from the Watch stream and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	client   *api.Client
	status   string
	route    string
	snapshot chatsync.Snapshot
	Flash    Flash

	refreshCh chan struct{}
}

// NewViewModel creates a view model bound to the daemon client. c may be nil
// in tests that only feed events through Apply.
func NewViewModel(c *api.Client) *ViewModel {
	return &ViewModel{
		client:    c,
		route:     "sign_in",
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Load fetches the daemon status once.
func (vm *ViewModel) Load(ctx context.Context) error {
	st, err := vm.client.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st.Status
	vm.route = st.Route
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Watch applies events from the daemon until ctx ends or the stream breaks.
func (vm *ViewModel) Watch(ctx context.Context) error {
	w, err := vm.client.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := w.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		vm.Apply(evt)
	}
}

// Apply folds one Watch event into the cached state.
func (vm *ViewModel) Apply(evt *api.Event) {
	vm.mu.Lock()
	switch {
	case evt.Kind == api.KindSnapshot:
		vm.status = evt.Status
		if evt.Route != "" {
			vm.route = evt.Route
		}
		if evt.Snapshot != nil {
			vm.snapshot = *evt.Snapshot
		}
	case evt.Kind == bus.KindStoreChanged:
		if evt.Snapshot != nil {
			vm.snapshot = *evt.Snapshot
		}
	case evt.Kind == bus.KindSessionStatusChanged:
		vm.status = evt.Status
	case strings.HasPrefix(evt.Kind, "nav."):
		vm.route = evt.Route
	case evt.Kind == bus.KindSessionAuthenticated:
		vm.Flash.Set("Signed in as "+evt.Text, flashTTL)
	case evt.Kind == bus.KindSessionSignedOut:
		vm.snapshot = chatsync.Snapshot{}
	case evt.Kind == bus.KindSessionWarning:
		vm.Flash.SetError(evt.Text, flashTTL)
	case evt.Kind == bus.KindMessageSendFailed:
		if evt.Send != nil {
			vm.Flash.SetError("Send failed: "+evt.Send.Error, flashTTL)
		}
	default:
		vm.mu.Unlock()
		return
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Status returns the daemon session status, for example "AUTHENTICATED".
func (vm *ViewModel) Status() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Route returns the screen the daemon last navigated to.
func (vm *ViewModel) Route() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.route
}

// Snapshot returns the cached chat state.
func (vm *ViewModel) Snapshot() chatsync.Snapshot {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.snapshot
}

// CurrentChat returns the selected chat, if it is in the cached list.
func (vm *ViewModel) CurrentChat() (chat.Chat, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.snapshot.CurrentChatID == "" {
		return chat.Chat{}, false
	}
	for _, c := range vm.snapshot.Chats {
		if c.ID == vm.snapshot.CurrentChatID {
			return c, true
		}
	}
	return chat.Chat{ID: vm.snapshot.CurrentChatID}, true
}

// SenderName resolves a user id to a display label. The signed-in user is "You".
func (vm *ViewModel) SenderName(id string) string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.snapshot.User != nil && vm.snapshot.User.ID == id {
		return "You"
	}
	if u, ok := vm.snapshot.UserByID(id); ok {
		return u.Label()
	}
	return "Unknown"
}

// SignIn signs in through the daemon and applies the returned route.
func (vm *ViewModel) SignIn(ctx context.Context, email, password string) error {
	resp, err := vm.client.SignIn(ctx, email, password)
	if err != nil {
		return vm.fail(err)
	}
	vm.setRoute(resp.Route)
	return nil
}

// SignUp registers a new account. A successful sign-up lands on sign in.
func (vm *ViewModel) SignUp(ctx context.Context, email, password, displayName string) error {
	resp, err := vm.client.SignUp(ctx, email, password, displayName)
	if err != nil {
		return vm.fail(err)
	}
	vm.Flash.Set("Account created, sign in to continue", flashTTL)
	vm.setRoute(resp.Route)
	return nil
}

// SignOut ends the daemon session.
func (vm *ViewModel) SignOut(ctx context.Context) error {
	resp, err := vm.client.SignOut(ctx)
	if err != nil {
		return vm.fail(err)
	}
	vm.setRoute(resp.Route)
	return nil
}

// ShowSignUp switches to the sign-up screen locally.
func (vm *ViewModel) ShowSignUp() { vm.setRoute("sign_up") }

// ShowSignIn switches to the sign-in screen locally.
func (vm *ViewModel) ShowSignIn() { vm.setRoute("sign_in") }

// Filter narrows the chat list by name.
func (vm *ViewModel) Filter(ctx context.Context, query string) error {
	if _, err := vm.client.ListChats(ctx, query); err != nil {
		return vm.fail(err)
	}
	return nil
}

// OpenChat selects a chat and loads its messages.
func (vm *ViewModel) OpenChat(ctx context.Context, chatID string) error {
	resp, err := vm.client.SelectChat(ctx, chatID)
	if err != nil {
		return vm.fail(err)
	}
	vm.mu.Lock()
	vm.snapshot.CurrentChatID = resp.ChatID
	vm.snapshot.Messages = resp.Messages
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// CloseChat clears the selection.
func (vm *ViewModel) CloseChat(ctx context.Context) error {
	return vm.OpenChat(ctx, "")
}

// Send posts text and an optional attachment path to the selected chat.
func (vm *ViewModel) Send(ctx context.Context, text, attachmentPath string) error {
	if _, err := vm.client.SendMessage(ctx, text, attachmentPath); err != nil {
		return vm.fail(err)
	}
	return nil
}

func (vm *ViewModel) setRoute(route string) {
	vm.mu.Lock()
	vm.route = route
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) fail(err error) error {
	vm.Flash.SetError(api.ErrorMessage(err), flashTTL)
	vm.signalRefresh()
	return err
}
