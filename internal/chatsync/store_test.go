package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/backend/backendtest"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/gateway"
	"github.com/matheus3301/wpweb/internal/metrics"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/outbox"
)

var (
	t0  = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ana = model.User{ID: "u1", Email: "ana@example.com", DisplayName: "Ana"}
)

type fixture struct {
	store   *Store
	be      *backendtest.Backend
	bus     *bus.Bus
	tracker *outbox.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := backendtest.New()
	be.Now = func() time.Time { return t0.Add(time.Hour) }
	be.Seed(gateway.TableUsers,
		model.User{ID: "u1", Email: "ana@example.com", DisplayName: "Ana", CreatedAt: t0},
		model.User{ID: "u2", Email: "bo@example.com", DisplayName: "Bo", CreatedAt: t0},
	)
	be.Seed(gateway.TableChats,
		model.Chat{ID: "c1", Name: "Periskope Team Chat", IsGroup: true, Type: "group", CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Minute)},
		model.Chat{ID: "c2", Name: "Test Demo17", Type: "direct", CreatedAt: t0, UpdatedAt: t0.Add(5 * time.Minute)},
		model.Chat{ID: "c3", Name: "Not mine", CreatedAt: t0, UpdatedAt: t0.Add(9 * time.Minute)},
	)
	be.Seed(gateway.TableChatMembers,
		model.ChatMember{ChatID: "c1", UserID: "u1"},
		model.ChatMember{ChatID: "c2", UserID: "u1"},
		model.ChatMember{ChatID: "c3", UserID: "u2"},
	)
	be.Seed(gateway.TableMessages,
		model.Message{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "first", CreatedAt: t0.Add(time.Minute)},
		model.Message{ID: "m2", ChatID: "c1", SenderID: "u2", Content: "second", CreatedAt: t0.Add(2 * time.Minute)},
		model.Message{ID: "m9", ChatID: "c2", SenderID: "u2", Content: "demo", CreatedAt: t0.Add(5 * time.Minute)},
	)

	b := bus.New()
	tr := outbox.NewTracker(nil, b, nil)
	s := New(gateway.New(be, "", zap.NewNop()), tr, b, zap.NewNop())
	s.now = func() time.Time { return t0.Add(30 * time.Minute) }
	t.Cleanup(s.Deactivate)
	return &fixture{store: s, be: be, bus: b, tracker: tr}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	if err := f.store.Activate(context.Background(), ana); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
}

func chatIDs(chats []model.Chat) []string {
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func assertUniqueChats(t *testing.T, chats []model.Chat) {
	t.Helper()
	seen := make(map[string]bool)
	for _, c := range chats {
		if seen[c.ID] {
			t.Fatalf("duplicate chat %s in %v", c.ID, chatIDs(chats))
		}
		seen[c.ID] = true
	}
}

// waitRefreshed blocks until every pushed chat change has been fetched.
func waitRefreshed(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.refreshing || len(s.dirty) > 0
		s.mu.Unlock()
		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for chat refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertSorted(t *testing.T, msgs []model.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v", i, messageIDs(msgs))
		}
	}
}

func TestActivate(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	snap := f.store.Snapshot()
	if snap.User == nil || snap.User.ID != "u1" {
		t.Errorf("user = %+v", snap.User)
	}
	if !equalIDs(chatIDs(snap.Chats), "c2", "c1") {
		t.Errorf("chats = %v, want [c2 c1]", chatIDs(snap.Chats))
	}
	if !equalIDs(chatIDs(snap.Filtered), "c2", "c1") {
		t.Errorf("filtered = %v", chatIDs(snap.Filtered))
	}
	if len(snap.Users) != 2 {
		t.Errorf("users = %d, want 2", len(snap.Users))
	}
	if u, ok := snap.UserByID("u2"); !ok || u.DisplayName != "Bo" {
		t.Errorf("UserByID(u2) = %+v, %v", u, ok)
	}
	if snap.Loading {
		t.Error("still loading after Activate")
	}
	if n := f.be.Subscriptions(gateway.TableChats); n != 1 {
		t.Errorf("chat subscriptions = %d, want 1", n)
	}
}

func TestActivateWithoutMemberships(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Activate(context.Background(), model.User{ID: "lonely"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if snap := f.store.Snapshot(); len(snap.Chats) != 0 {
		t.Errorf("chats = %v, want none", chatIDs(snap.Chats))
	}
}

func TestActivateNotConfigured(t *testing.T) {
	s := New(gateway.New(nil, "", nil), nil, bus.New(), nil)
	err := s.Activate(context.Background(), ana)
	if !errors.Is(err, backend.ErrNotConfigured) {
		t.Errorf("Activate() error = %v, want ErrNotConfigured", err)
	}
	if s.Snapshot().Loading {
		t.Error("loading left set")
	}
}

func TestChatPushesMergeByID(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	bump := model.Chat{ID: "c1", Name: "Periskope Team Chat", IsGroup: true, Type: "group", CreatedAt: t0, UpdatedAt: t0.Add(10 * time.Minute)}
	f.be.Emit(gateway.TableChats, backend.ChangeUpdate, bump)
	f.be.Emit(gateway.TableChats, backend.ChangeUpdate, bump)
	waitRefreshed(t, f.store)

	snap := f.store.Snapshot()
	assertUniqueChats(t, snap.Chats)
	if !equalIDs(chatIDs(snap.Chats), "c1", "c2") {
		t.Errorf("chats = %v, want [c1 c2]", chatIDs(snap.Chats))
	}
	if !snap.Chats[0].UpdatedAt.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("c1 updated_at = %v", snap.Chats[0].UpdatedAt)
	}

	f.be.Seed(gateway.TableChatMembers, model.ChatMember{ChatID: "c4", UserID: "u1"})
	f.be.Emit(gateway.TableChats, backend.ChangeInsert, model.Chat{ID: "c4", Name: "New group", CreatedAt: t0, UpdatedAt: t0.Add(20 * time.Minute)})
	f.be.Emit(gateway.TableChats, backend.ChangeUpdate, model.Chat{ID: "c3", Name: "Not mine", CreatedAt: t0, UpdatedAt: t0.Add(30 * time.Minute)})
	waitRefreshed(t, f.store)

	snap = f.store.Snapshot()
	assertUniqueChats(t, snap.Chats)
	if !equalIDs(chatIDs(snap.Chats), "c4", "c1", "c2") {
		t.Errorf("chats = %v, want [c4 c1 c2]", chatIDs(snap.Chats))
	}
}

func TestChatPushDuringFetchIsMerged(t *testing.T) {
	f := newFixture(t)
	var once sync.Once
	f.be.BeforeSelect = func(table string, q backend.Query) {
		if table != gateway.TableChats || q.Single {
			return
		}
		once.Do(func() {
			f.be.Emit(gateway.TableChats, backend.ChangeUpdate, model.Chat{ID: "c1", Name: "Periskope Team Chat", CreatedAt: t0, UpdatedAt: t0.Add(7 * time.Minute)})
		})
	}
	f.activate(t)
	waitRefreshed(t, f.store)

	snap := f.store.Snapshot()
	assertUniqueChats(t, snap.Chats)
	if !equalIDs(chatIDs(snap.Chats), "c1", "c2") {
		t.Errorf("chats = %v, want [c1 c2]", chatIDs(snap.Chats))
	}
}

func TestChatPushBurstDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	reached := make(chan struct{})
	release := make(chan struct{})
	var memberReads atomic.Int32
	f.be.BeforeSelect = func(table string, q backend.Query) {
		if table != gateway.TableChatMembers {
			return
		}
		if memberReads.Add(1) == 1 {
			close(reached)
			<-release
		}
	}

	const pushes = 300
	delivered := make(chan struct{})
	go func() {
		for i := 0; i < pushes; i++ {
			f.be.Emit(gateway.TableChats, backend.ChangeUpdate, model.Chat{
				ID: "c1", Name: "Periskope Team Chat", CreatedAt: t0,
				UpdatedAt: t0.Add(time.Duration(10+i) * time.Minute),
			})
		}
		close(delivered)
	}()

	<-reached
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("chat pushes blocked behind a slow membership check")
	}
	close(release)
	waitRefreshed(t, f.store)

	if n := memberReads.Load(); n < 1 || n > 2 {
		t.Errorf("membership checks = %d, want the burst coalesced into at most 2", n)
	}
	snap := f.store.Snapshot()
	assertUniqueChats(t, snap.Chats)
	if snap.Chats[0].ID != "c1" || !snap.Chats[0].UpdatedAt.Equal(t0.Add((10+pushes-1)*time.Minute)) {
		t.Errorf("chats[0] = %s at %v, want c1 with the last pushed update", snap.Chats[0].ID, snap.Chats[0].UpdatedAt)
	}
}

func TestChatRefreshAfterDeactivateIsDropped(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.be.BeforeSelect = func(table string, q backend.Query) {
		if table == gateway.TableChatMembers {
			once.Do(func() { close(reached) })
			<-release
		}
	}
	f.be.Emit(gateway.TableChats, backend.ChangeUpdate, model.Chat{ID: "c1", Name: "Periskope Team Chat", CreatedAt: t0, UpdatedAt: t0.Add(40 * time.Minute)})
	<-reached
	f.store.Deactivate()
	close(release)

	time.Sleep(50 * time.Millisecond)
	if snap := f.store.Snapshot(); len(snap.Chats) != 0 {
		t.Errorf("chats after deactivate = %v, want none", chatIDs(snap.Chats))
	}
}

func TestPublishDropsOlderSnapshots(t *testing.T) {
	f := newFixture(t)
	var got []uint64
	cancel := f.store.Subscribe(func(s Snapshot) { got = append(got, s.Version) })
	defer cancel()

	for _, v := range []uint64{5, 3, 5, 6} {
		f.store.publish(Snapshot{Version: v})
	}
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("published versions = %v, want [5 6]", got)
	}
}

func TestConcurrentChangesPublishInOrder(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	var mu sync.Mutex
	var versions []uint64
	var lastQuery string
	cancel := f.store.Subscribe(func(s Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		lastQuery = s.Query
		mu.Unlock()
	})
	defer cancel()

	queries := []string{"a", "te", "team", "demo", "x", "periskope", "17", ""}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			f.store.FilterChats(q)
		}(queries[i%len(queries)])
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions out of order at %d: %v", i, versions)
		}
	}
	if want := f.store.Snapshot().Query; lastQuery != want {
		t.Errorf("last published query = %q, store query = %q", lastQuery, want)
	}
}

func TestMessagesSortedAfterFetchAndPushes(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	if err := f.store.SetCurrentChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := messageIDs(f.store.Snapshot().Messages); !equalIDs(got, "m1", "m2") {
		t.Fatalf("messages = %v, want [m1 m2]", got)
	}

	pushes := []model.Message{
		{ID: "p3", ChatID: "c1", SenderID: "u2", Content: "late", CreatedAt: t0.Add(5 * time.Minute)},
		{ID: "p1", ChatID: "c1", SenderID: "u2", Content: "early", CreatedAt: t0.Add(30 * time.Second)},
		{ID: "p2", ChatID: "c1", SenderID: "u2", Content: "middle", CreatedAt: t0.Add(90 * time.Second)},
		{ID: "m2", ChatID: "c1", SenderID: "u2", Content: "second, again", CreatedAt: t0.Add(2 * time.Minute)},
	}
	for _, m := range pushes {
		f.be.Emit(gateway.TableMessages, backend.ChangeInsert, m)
	}

	snap := f.store.Snapshot()
	assertSorted(t, snap.Messages)
	if got := messageIDs(snap.Messages); !equalIDs(got, "p1", "m1", "p2", "m2", "p3") {
		t.Errorf("messages = %v", got)
	}
	var c1 model.Chat
	for _, c := range snap.Chats {
		if c.ID == "c1" {
			c1 = c
		}
	}
	if c1.LastMessage == nil || c1.LastMessage.ID != "p3" {
		t.Errorf("c1 last message = %+v, want p3", c1.LastMessage)
	}
	if snap.Chats[0].ID != "c1" {
		t.Errorf("chats = %v, want c1 first after its newest message", chatIDs(snap.Chats))
	}
}

func TestSwitchChatDiscardsLateFetch(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.be.BeforeSelect = func(table string, q backend.Query) {
		if table != gateway.TableMessages || q.Single {
			return
		}
		for _, flt := range q.Filters {
			if flt.Column == "chat_id" && len(flt.Values) == 1 && flt.Values[0] == "c1" {
				once.Do(func() { close(reached) })
				<-release
			}
		}
	}
	before := testutil.ToFloat64(metrics.StaleResultsDropped.WithLabelValues("messages"))

	errc := make(chan error, 1)
	go func() { errc <- f.store.SetCurrentChat(context.Background(), "c1") }()
	<-reached

	if err := f.store.SetCurrentChat(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	f.be.Emit(gateway.TableMessages, backend.ChangeInsert, model.Message{ID: "late-a", ChatID: "c1", CreatedAt: t0.Add(40 * time.Minute)})
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("SetCurrentChat(c1) error = %v", err)
	}

	snap := f.store.Snapshot()
	if snap.CurrentChatID != "c2" {
		t.Errorf("current chat = %s, want c2", snap.CurrentChatID)
	}
	for _, m := range snap.Messages {
		if m.ChatID != "c2" {
			t.Errorf("message %s of chat %s leaked into c2", m.ID, m.ChatID)
		}
	}
	if !equalIDs(messageIDs(snap.Messages), "m9") {
		t.Errorf("messages = %v, want [m9]", messageIDs(snap.Messages))
	}
	if n := f.be.Subscriptions(gateway.TableMessages); n != 1 {
		t.Errorf("message subscriptions = %d, want 1", n)
	}
	if after := testutil.ToFloat64(metrics.StaleResultsDropped.WithLabelValues("messages")); after != before+1 {
		t.Errorf("stale fetches dropped = %v, want %v", after, before+1)
	}
}

func TestSetCurrentChatRequiresSession(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SetCurrentChat(context.Background(), "c1"); !errors.Is(err, ErrInactive) {
		t.Errorf("error = %v, want ErrInactive", err)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	_ = f.store.SetCurrentChat(context.Background(), "c1")

	var sawPending bool
	cancel := f.store.Subscribe(func(s Snapshot) {
		for _, m := range s.Messages {
			if m.Pending {
				sawPending = true
			}
		}
	})
	defer cancel()

	msg, err := f.store.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg == nil || msg.Pending || msg.Content != "hello" {
		t.Fatalf("message = %+v", msg)
	}
	if !sawPending {
		t.Error("optimistic entry was never published")
	}

	snap := f.store.Snapshot()
	count := 0
	for _, m := range snap.Messages {
		if m.ID == msg.ID {
			count++
			if m.Pending {
				t.Error("entry still pending after confirmation")
			}
		}
	}
	if count != 1 {
		t.Errorf("message %s appears %d times, want 1", msg.ID, count)
	}
	assertSorted(t, snap.Messages)
	if snap.Chats[0].ID != "c1" || snap.Chats[0].LastMessage == nil || snap.Chats[0].LastMessage.ID != msg.ID {
		t.Errorf("chats = %v, c1 last message not updated", chatIDs(snap.Chats))
	}
	if st, _ := f.tracker.State(msg.ID); st != outbox.StateSent {
		t.Errorf("tracker state = %s, want sent", st)
	}
}

func TestSendMessageWithImage(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	_ = f.store.SetCurrentChat(context.Background(), "c1")

	a := &model.Attachment{Name: "cat.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")}
	msg, err := f.store.SendMessage(context.Background(), "", a)
	if err != nil {
		t.Fatal(err)
	}
	if msg.AttachmentType != model.AttachmentImage || msg.AttachmentURL == "" {
		t.Errorf("attachment = %q %q", msg.AttachmentType, msg.AttachmentURL)
	}
}

func TestSendMessageFailureRemovesOptimisticEntry(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	_ = f.store.SetCurrentChat(context.Background(), "c1")
	f.be.Fail("insert messages", backendtest.ServerError("insert messages"))

	var pendingID string
	cancel := f.store.Subscribe(func(s Snapshot) {
		for _, m := range s.Messages {
			if m.Pending {
				pendingID = m.ID
			}
		}
	})
	defer cancel()

	msg, err := f.store.SendMessage(context.Background(), "hello", nil)
	if err == nil || msg != nil {
		t.Fatalf("SendMessage() = %+v, %v; want error", msg, err)
	}
	if got := messageIDs(f.store.Snapshot().Messages); !equalIDs(got, "m1", "m2") {
		t.Errorf("messages = %v, want [m1 m2]", got)
	}
	if st, _ := f.tracker.State(pendingID); st != outbox.StateFailed {
		t.Errorf("tracker state = %s, want failed", st)
	}
}

// lostReplyGateway stores the message but reports the call as failed, as
// when the response is lost after the row was committed.
type lostReplyGateway struct {
	*gateway.Gateway
}

func (g lostReplyGateway) SendMessage(ctx context.Context, req gateway.SendRequest) (model.Message, error) {
	if _, err := g.Gateway.SendMessage(ctx, req); err != nil {
		return model.Message{}, err
	}
	return model.Message{}, context.DeadlineExceeded
}

func TestSendMessageFailureKeepsConfirmedEntry(t *testing.T) {
	f := newFixture(t)
	f.store.gw = lostReplyGateway{gateway.New(f.be, "", zap.NewNop())}
	f.activate(t)
	if err := f.store.SetCurrentChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.SendMessage(context.Background(), "hello", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendMessage() error = %v, want deadline exceeded", err)
	}

	var found []model.Message
	for _, m := range f.store.Snapshot().Messages {
		if m.Content == "hello" {
			found = append(found, m)
		}
	}
	if len(found) != 1 || found[0].Pending {
		t.Errorf("confirmed entry = %+v, want one non-pending message", found)
	}
}

func TestSendMessageWithoutSelection(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	msg, err := f.store.SendMessage(context.Background(), "hello", nil)
	if msg != nil || err != nil {
		t.Errorf("SendMessage() = %+v, %v; want nil, nil", msg, err)
	}
}

func TestStoreFilterChats(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	if got := f.store.FilterChats("team"); !equalIDs(chatIDs(got), "c1") {
		t.Errorf("FilterChats(team) = %v", chatIDs(got))
	}
	snap := f.store.Snapshot()
	if snap.Query != "team" || len(snap.Chats) != 2 {
		t.Errorf("query = %q chats = %v", snap.Query, chatIDs(snap.Chats))
	}

	// Pushes keep the filtered view in step with the query.
	f.be.Emit(gateway.TableChats, backend.ChangeUpdate, model.Chat{ID: "c2", Name: "Test Demo17", CreatedAt: t0, UpdatedAt: t0.Add(50 * time.Minute)})
	waitRefreshed(t, f.store)
	if got := f.store.Snapshot().Filtered; !equalIDs(chatIDs(got), "c1") {
		t.Errorf("filtered after push = %v", chatIDs(got))
	}

	if got := f.store.FilterChats(""); !equalIDs(chatIDs(got), "c2", "c1") {
		t.Errorf("FilterChats(\"\") = %v", chatIDs(got))
	}
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	_ = f.store.SetCurrentChat(context.Background(), "c1")

	f.store.Deactivate()
	snap := f.store.Snapshot()
	if snap.User != nil || len(snap.Chats) != 0 || len(snap.Messages) != 0 || snap.CurrentChatID != "" {
		t.Errorf("state not cleared: %+v", snap)
	}
	if f.be.Subscriptions(gateway.TableChats) != 0 || f.be.Subscriptions(gateway.TableMessages) != 0 {
		t.Error("subscriptions left open")
	}
}

func TestFollowsSessionEvents(t *testing.T) {
	f := newFixture(t)
	f.store.Start(context.Background())
	defer f.store.Stop()

	waitFor := func(what string, cond func(Snapshot) bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond(f.store.Snapshot()) {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	f.bus.Emit(bus.KindSessionAuthenticated, ana)
	waitFor("activation", func(s Snapshot) bool { return len(s.Chats) == 2 && !s.Loading })

	f.bus.Emit(bus.KindSessionSignedOut, nil)
	waitFor("deactivation", func(s Snapshot) bool { return s.User == nil })
}
