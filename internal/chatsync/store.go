// Package chatsync keeps the client-side chat state of the signed-in user in
// step with the backend. It merges three sources into one view: the initial
// fetch, realtime pushes and local sends.
package chatsync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/gateway"
	"github.com/matheus3301/wpweb/internal/metrics"
	"github.com/matheus3301/wpweb/internal/model"
)

// ErrInactive is returned by operations that need a signed-in user.
var ErrInactive = errors.New("chatsync: no active session")

// pushTimeout bounds the fetches a chat push triggers.
var pushTimeout = 30 * time.Second

// Gateway is the data access the store needs.
type Gateway interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListChatsForUser(ctx context.Context, userID string) ([]model.Chat, error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ListMessages(ctx context.Context, chatID string) ([]model.Message, error)
	SendMessage(ctx context.Context, req gateway.SendRequest) (model.Message, error)
	SubscribeChats(ctx context.Context, handler func(gateway.ChatChange)) (backend.Subscription, error)
	SubscribeMessages(ctx context.Context, chatID string, handler func(model.Message)) (backend.Subscription, error)
}

// Sends follows optimistic sends.
type Sends interface {
	Begin(ctx context.Context, msg model.Message, attachment string)
	Ack(ctx context.Context, msg model.Message)
	Fail(ctx context.Context, msg model.Message, err error)
	Reset()
}

// Snapshot is a copy of the store state. It is safe to keep and read.
type Snapshot struct {
	User          *model.User     `json:"user,omitempty"`
	Users         []model.User    `json:"users"`
	Chats         []model.Chat    `json:"chats"`
	Filtered      []model.Chat    `json:"filtered"`
	Query         string          `json:"query"`
	CurrentChatID string          `json:"current_chat_id,omitempty"`
	Messages      []model.Message `json:"messages"`
	Loading       bool            `json:"loading"`
	// Version increases with every snapshot the store takes.
	Version uint64 `json:"version"`
}

// UserByID finds a directory entry.
func (s Snapshot) UserByID(id string) (model.User, bool) {
	i := slices.IndexFunc(s.Users, func(u model.User) bool { return u.ID == id })
	if i < 0 {
		return model.User{}, false
	}
	return s.Users[i], true
}

// Store is the chat synchronization store. All state sits behind mu; network
// calls run without it and their results are dropped when the session
// generation or the selection epoch moved on in the meantime. Snapshots are
// published in version order; an older one arriving late is dropped.
type Store struct {
	gw     Gateway
	sends  Sends
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	gen      uint64
	epoch    uint64
	user     *model.User
	users    []model.User
	chats    []model.Chat
	filtered []model.Chat
	query    string
	current  string
	messages []model.Message
	loading  bool
	chatSub  backend.Subscription
	msgSub   backend.Subscription
	version  uint64

	// dirty holds chat ids with pushed changes not yet fetched, keyed to the
	// last change type. One refresher drains it at a time.
	dirty      map[string]string
	refreshing bool

	pubMu     sync.Mutex
	published uint64

	watchMu  sync.Mutex
	watchers map[int]func(Snapshot)
	nextID   int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a store. sends may be nil.
func New(gw Gateway, sends Sends, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		gw:       gw,
		sends:    sends,
		bus:      b,
		logger:   logger.Named("chatsync"),
		now:      time.Now,
		watchers: make(map[int]func(Snapshot)),
	}
}

// Start follows session events on the bus: session.authenticated activates
// the store for its user and session.signed_out deactivates it.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ch, unsub := s.bus.Subscribe("session.", 64)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event loop and deactivates the store.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.Deactivate()
}

func (s *Store) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindSessionAuthenticated:
		u, ok := evt.Payload.(model.User)
		if !ok {
			return
		}
		if err := s.Activate(ctx, u); err != nil {
			s.logger.Error("failed to activate chat store", zap.Error(err), zap.String("user_id", u.ID))
		}
	case bus.KindSessionSignedOut:
		s.Deactivate()
	}
}

// Activate loads the directory and the chat list of user and follows chat
// changes. Any previous activation is torn down first.
func (s *Store) Activate(ctx context.Context, user model.User) error {
	s.mu.Lock()
	old := s.releaseLocked()
	s.gen++
	s.epoch++
	gen := s.gen
	s.resetLocked()
	s.user = &user
	s.loading = true
	snap := s.snapshotLocked()
	s.mu.Unlock()
	unsubscribe(old...)
	s.publish(snap)

	s.logger.Info("activating chat store", zap.String("user_id", user.ID))

	// Subscribe before fetching so no change between the two is lost.
	sub, err := s.gw.SubscribeChats(ctx, func(c gateway.ChatChange) { s.onChatChange(gen, c) })
	if err != nil {
		if errors.Is(err, backend.ErrNotConfigured) {
			s.finishLoading(gen)
			return err
		}
		s.logger.Warn("failed to subscribe to chat changes", zap.Error(err))
	} else if !s.keepSub(gen, 0, &s.chatSub, sub) {
		return nil
	}

	var users []model.User
	var chats []model.Chat
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = s.gw.ListUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		chats, err = s.gw.ListChatsForUser(gctx, user.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.finishLoading(gen)
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		metrics.StaleResultsDropped.WithLabelValues("chats").Inc()
		return nil
	}
	s.users = users
	s.chats = mergeChats(chats, s.chats)
	s.filtered = FilterChats(s.chats, s.query)
	s.loading = false
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("chat store ready", zap.Int("chats", len(snap.Chats)), zap.Int("users", len(snap.Users)))
	s.publish(snap)
	return nil
}

// Deactivate drops every subscription and all state. Work still in flight is
// discarded when it returns.
func (s *Store) Deactivate() {
	s.mu.Lock()
	active := s.user != nil
	old := s.releaseLocked()
	s.gen++
	s.epoch++
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	unsubscribe(old...)
	if s.sends != nil {
		s.sends.Reset()
	}
	if active {
		s.logger.Info("chat store deactivated")
		s.publish(snap)
	}
}

// SetCurrentChat selects chatID and loads its thread. An empty chatID
// clears the selection.
func (s *Store) SetCurrentChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return ErrInactive
	}
	s.epoch++
	epoch := s.epoch
	old := s.msgSub
	s.msgSub = nil
	s.current = chatID
	s.messages = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// The previous thread's feed goes away before the next one opens.
	unsubscribe(old)
	s.publish(snap)
	if chatID == "" {
		return nil
	}

	sub, err := s.gw.SubscribeMessages(ctx, chatID, func(m model.Message) { s.onMessage(epoch, m) })
	if err != nil {
		if errors.Is(err, backend.ErrNotConfigured) {
			return err
		}
		s.logger.Warn("failed to subscribe to messages", zap.Error(err), zap.String("chat_id", chatID))
	} else if !s.keepSub(0, epoch, &s.msgSub, sub) {
		return nil
	}

	msgs, err := s.gw.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		metrics.StaleResultsDropped.WithLabelValues("messages").Inc()
		s.logger.Debug("discard stale message fetch", zap.String("chat_id", chatID))
		return nil
	}
	s.messages = mergeMessages(msgs, s.messages)
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// SendMessage appends an optimistic message to the selected chat, sends it
// and reconciles the entry with the stored row. Without a selected chat it
// does nothing and returns (nil, nil). On failure the optimistic entry is
// removed, unless a push confirmed it meanwhile, and the error returned.
func (s *Store) SendMessage(ctx context.Context, content string, attachment *model.Attachment) (*model.Message, error) {
	s.mu.Lock()
	if s.user == nil || s.current == "" {
		s.mu.Unlock()
		return nil, nil
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		ChatID:    s.current,
		SenderID:  s.user.ID,
		Content:   content,
		CreatedAt: s.now().UTC(),
		Pending:   true,
	}
	gen, epoch := s.gen, s.epoch
	s.messages = insertMessage(s.messages, msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	name := ""
	if attachment != nil {
		name = attachment.Name
	}
	if s.sends != nil {
		s.sends.Begin(ctx, msg, name)
	}

	stored, err := s.gw.SendMessage(ctx, gateway.SendRequest{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Content:    content,
		Attachment: attachment,
	})
	if err != nil {
		if s.sends != nil {
			s.sends.Fail(ctx, msg, err)
		}
		// A realtime echo may already have confirmed the row.
		s.mu.Lock()
		if i := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == msg.ID }); i >= 0 && s.messages[i].Pending {
			s.messages = slices.Delete(s.messages, i, i+1)
		}
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return nil, err
	}
	stored.Pending = false
	if s.sends != nil {
		s.sends.Ack(ctx, stored)
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.messages = insertMessage(s.messages, stored)
	}
	if s.gen == gen {
		s.touchChatLocked(stored)
	}
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return &stored, nil
}

// FilterChats sets the chat list query and returns the filtered view.
func (s *Store) FilterChats(query string) []model.Chat {
	s.mu.Lock()
	s.query = query
	s.filtered = FilterChats(s.chats, query)
	out := slices.Clone(s.filtered)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return out
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe calls fn with a snapshot after every change until the returned
// function is called. fn runs on the goroutine that made the change, one call
// at a time and in version order, and must not call back into the store.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

// onChatChange queues a pushed chat for a refresh. It runs on the realtime
// dispatch goroutine and never blocks on the network; repeated changes to a
// queued chat collapse into one fetch.
func (s *Store) onChatChange(gen uint64, c gateway.ChatChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.user == nil {
		metrics.StaleResultsDropped.WithLabelValues("chat_push").Inc()
		return
	}
	if s.dirty == nil {
		s.dirty = make(map[string]string)
	}
	s.dirty[c.ChatID] = c.Type
	if !s.refreshing {
		s.refreshing = true
		go s.refreshChats(gen)
	}
}

// refreshChats drains the dirty set until it is empty or the generation
// moves on.
func (s *Store) refreshChats(gen uint64) {
	for {
		s.mu.Lock()
		if s.gen != gen || s.user == nil {
			s.mu.Unlock()
			return
		}
		if len(s.dirty) == 0 {
			s.refreshing = false
			s.mu.Unlock()
			return
		}
		dirty := s.dirty
		s.dirty = nil
		userID := s.user.ID
		s.mu.Unlock()

		for chatID, typ := range dirty {
			s.refreshChat(gen, userID, chatID, typ)
		}
	}
}

func (s *Store) refreshChat(gen uint64, userID, chatID, typ string) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	member, err := s.gw.IsMember(ctx, chatID, userID)
	if err != nil {
		s.logger.Warn("failed to check chat membership", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	if !member {
		return
	}
	chat, err := s.gw.GetChat(ctx, chatID)
	if err != nil || chat == nil {
		if err != nil {
			s.logger.Warn("failed to fetch changed chat", zap.Error(err), zap.String("chat_id", chatID))
		}
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		metrics.StaleResultsDropped.WithLabelValues("chat_push").Inc()
		return
	}
	s.chats = upsertChat(s.chats, *chat)
	sortChats(s.chats)
	s.filtered = FilterChats(s.chats, s.query)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("chat changed", zap.String("type", typ), zap.String("chat_id", chatID))
	s.publish(snap)
}

func (s *Store) onMessage(epoch uint64, m model.Message) {
	s.mu.Lock()
	if s.epoch != epoch || m.ChatID != s.current {
		s.mu.Unlock()
		metrics.StaleResultsDropped.WithLabelValues("message_push").Inc()
		return
	}
	s.messages = insertMessage(s.messages, m)
	s.touchChatLocked(m)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// touchChatLocked makes m the chat's last message when it is the newest.
func (s *Store) touchChatLocked(m model.Message) {
	i := slices.IndexFunc(s.chats, func(c model.Chat) bool { return c.ID == m.ChatID })
	if i < 0 {
		return
	}
	c := &s.chats[i]
	if c.LastMessage != nil && c.LastMessage.ID != m.ID && c.LastMessage.CreatedAt.After(m.CreatedAt) {
		return
	}
	last := m
	c.LastMessage = &last
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	sortChats(s.chats)
	s.filtered = FilterChats(s.chats, s.query)
}

// keepSub stores sub in *slot if the generation (gen != 0) or the epoch
// (epoch != 0) is still current, and releases it otherwise.
func (s *Store) keepSub(gen, epoch uint64, slot *backend.Subscription, sub backend.Subscription) bool {
	s.mu.Lock()
	stale := (gen != 0 && s.gen != gen) || (epoch != 0 && s.epoch != epoch)
	if !stale {
		*slot = sub
	}
	s.mu.Unlock()
	if stale {
		unsubscribe(sub)
	}
	return !stale
}

func (s *Store) finishLoading(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.loading = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Store) releaseLocked() []backend.Subscription {
	subs := []backend.Subscription{s.chatSub, s.msgSub}
	s.chatSub, s.msgSub = nil, nil
	return subs
}

func (s *Store) resetLocked() {
	s.user = nil
	s.users = nil
	s.chats = nil
	s.filtered = nil
	s.query = ""
	s.current = ""
	s.messages = nil
	s.loading = false
	s.dirty = nil
	s.refreshing = false
}

func (s *Store) snapshotLocked() Snapshot {
	s.version++
	snap := Snapshot{
		Users:         slices.Clone(s.users),
		Chats:         slices.Clone(s.chats),
		Filtered:      slices.Clone(s.filtered),
		Query:         s.query,
		CurrentChatID: s.current,
		Messages:      slices.Clone(s.messages),
		Loading:       s.loading,
		Version:       s.version,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// publish hands snap to the watchers and the bus. Snapshots are taken under
// mu but published after it is released, so two writers can race here; the
// one holding the older version loses.
func (s *Store) publish(snap Snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if snap.Version <= s.published {
		metrics.StaleResultsDropped.WithLabelValues("snapshot").Inc()
		return
	}
	s.published = snap.Version

	metrics.StoreChats.Set(float64(len(snap.Chats)))
	metrics.StoreMessages.Set(float64(len(snap.Messages)))

	s.watchMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
	s.bus.Emit(bus.KindStoreChanged, snap)
}

func unsubscribe(subs ...backend.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
}
