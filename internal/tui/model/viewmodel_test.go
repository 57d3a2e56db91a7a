package model

import (
	"testing"
	"time"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/chatsync"
	chat "github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/outbox"
)

func snapshot() *chatsync.Snapshot {
	me := chat.User{ID: "u1", DisplayName: "Ana"}
	return &chatsync.Snapshot{
		User:          &me,
		Users:         []chat.User{me, {ID: "u2", Email: "bo@example.com"}},
		Chats:         []chat.Chat{{ID: "c1", Name: "Team"}},
		Filtered:      []chat.Chat{{ID: "c1", Name: "Team"}},
		CurrentChatID: "c1",
	}
}

func TestApplySnapshot(t *testing.T) {
	vm := NewViewModel(nil)
	vm.Apply(&api.Event{Kind: api.KindSnapshot, Status: "AUTHENTICATED", Route: "home", Snapshot: snapshot()})

	if vm.Status() != "AUTHENTICATED" || vm.Route() != "home" {
		t.Errorf("status/route = %s/%s", vm.Status(), vm.Route())
	}
	c, ok := vm.CurrentChat()
	if !ok || c.Name != "Team" {
		t.Errorf("CurrentChat() = %+v, %v", c, ok)
	}
	select {
	case <-vm.RefreshCh():
	default:
		t.Error("no refresh signalled")
	}
}

func TestSenderName(t *testing.T) {
	vm := NewViewModel(nil)
	vm.Apply(&api.Event{Kind: bus.KindStoreChanged, Snapshot: snapshot()})

	tests := map[string]string{"u1": "You", "u2": "bo@example.com", "u9": "Unknown"}
	for id, want := range tests {
		if got := vm.SenderName(id); got != want {
			t.Errorf("SenderName(%s) = %q, want %q", id, got, want)
		}
	}
}

func TestApplyEvents(t *testing.T) {
	vm := NewViewModel(nil)
	vm.Apply(&api.Event{Kind: bus.KindSessionStatusChanged, Status: "LOADING"})
	vm.Apply(&api.Event{Kind: bus.NavigateKind("home"), Route: "home"})
	if vm.Status() != "LOADING" || vm.Route() != "home" {
		t.Errorf("status/route = %s/%s", vm.Status(), vm.Route())
	}

	vm.Apply(&api.Event{Kind: bus.KindMessageSendFailed, Send: &outbox.SendEvent{Error: "boom"}})
	if msg, isErr := vm.Flash.Get(); msg != "Send failed: boom" || !isErr {
		t.Errorf("flash = %q, %v", msg, isErr)
	}

	vm.Apply(&api.Event{Kind: bus.KindStoreChanged, Snapshot: snapshot()})
	vm.Apply(&api.Event{Kind: bus.KindSessionSignedOut})
	if _, ok := vm.CurrentChat(); ok {
		t.Error("selection survived sign out")
	}
}

func TestFlashExpires(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	f := Flash{now: func() time.Time { return now }}
	f.Set("hello", time.Second)
	if msg, isErr := f.Get(); msg != "hello" || isErr {
		t.Errorf("Get() = %q, %v", msg, isErr)
	}
	now = now.Add(2 * time.Second)
	if msg, _ := f.Get(); msg != "" {
		t.Errorf("expired Get() = %q", msg)
	}
}
