// Package gateway is the typed data access layer over the backend: the
// tables users, chats, chat_members and messages, the attachment bucket and
// the realtime feeds of chats and messages.
//
// Reads log failures and return empty results. Writes return their errors.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/model"
)

// Tables.
const (
	TableUsers       = "users"
	TableChats       = "chats"
	TableChatMembers = "chat_members"
	TableMessages    = "messages"
)

// DefaultBucket holds message attachments.
const DefaultBucket = "attachments"

// Backend is everything the gateway needs from the backend client.
type Backend interface {
	backend.Rows
	backend.Objects
	backend.Changes
}

// Gateway is the remote data gateway. A Gateway built with a nil Backend
// answers every call with backend.ErrNotConfigured.
type Gateway struct {
	be     Backend
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

// New creates a gateway. be may be nil when no backend is configured.
func New(be Backend, bucket string, logger *zap.Logger) *Gateway {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{be: be, bucket: bucket, logger: logger.Named("gateway"), now: time.Now}
}

// Configured reports whether calls reach a backend.
func (g *Gateway) Configured() bool {
	return g.be != nil
}

func (g *Gateway) ready() error {
	if g.be == nil {
		return backend.ErrNotConfigured
	}
	return nil
}

// ListUsers returns the user directory.
func (g *Gateway) ListUsers(ctx context.Context) ([]model.User, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var users []model.User
	if err := g.be.Select(ctx, TableUsers, backend.NewQuery().OrderBy("display_name", false), &users); err != nil {
		g.logger.Error("failed to list users", zap.Error(err))
		return []model.User{}, nil
	}
	return users, nil
}

// ListChatsForUser returns the chats userID belongs to, most recently
// updated first, each with its latest message attached.
func (g *Gateway) ListChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	var members []model.ChatMember
	q := backend.NewQuery().Fields("chat_id").Eq("user_id", userID)
	if err := g.be.Select(ctx, TableChatMembers, q, &members); err != nil {
		g.logger.Error("failed to list memberships", zap.Error(err), zap.String("user_id", userID))
		return []model.Chat{}, nil
	}
	if len(members) == 0 {
		return []model.Chat{}, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ChatID
	}

	var chats []model.Chat
	q = backend.NewQuery().In("id", ids...).OrderBy("updated_at", true)
	if err := g.be.Select(ctx, TableChats, q, &chats); err != nil {
		g.logger.Error("failed to list chats", zap.Error(err), zap.String("user_id", userID))
		return []model.Chat{}, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i := range chats {
		i := i
		eg.Go(func() error {
			chats[i].LastMessage = g.lastMessage(egCtx, chats[i].ID)
			return nil
		})
	}
	_ = eg.Wait()
	return chats, nil
}

// lastMessage returns the newest message of chatID, or nil.
func (g *Gateway) lastMessage(ctx context.Context, chatID string) *model.Message {
	var m model.Message
	q := backend.NewQuery().Eq("chat_id", chatID).OrderBy("created_at", true).Take(1).One()
	err := g.be.Select(ctx, TableMessages, q, &m)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		g.logger.Warn("failed to load last message", zap.Error(err), zap.String("chat_id", chatID))
		return nil
	}
	return &m
}

// GetChat returns one chat with its latest message, or nil when it does not exist.
func (g *Gateway) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var c model.Chat
	err := g.be.Select(ctx, TableChats, backend.NewQuery().Eq("id", chatID).One(), &c)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessage = g.lastMessage(ctx, chatID)
	return &c, nil
}

// IsMember reports whether userID belongs to chatID.
func (g *Gateway) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	if err := g.ready(); err != nil {
		return false, err
	}
	var members []model.ChatMember
	q := backend.NewQuery().Fields("chat_id").Eq("chat_id", chatID).Eq("user_id", userID).Take(1)
	if err := g.be.Select(ctx, TableChatMembers, q, &members); err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// ListMessages returns a chat's messages, oldest first.
func (g *Gateway) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var msgs []model.Message
	q := backend.NewQuery().Eq("chat_id", chatID).OrderBy("created_at", false)
	if err := g.be.Select(ctx, TableMessages, q, &msgs); err != nil {
		g.logger.Error("failed to list messages", zap.Error(err), zap.String("chat_id", chatID))
		return []model.Message{}, nil
	}
	return msgs, nil
}

type profileRow struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func newProfileRow(u model.User) profileRow {
	return profileRow{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// UpsertProfile creates or refreshes the users row of u.
func (g *Gateway) UpsertProfile(ctx context.Context, u model.User) error {
	if err := g.ready(); err != nil {
		return err
	}
	return g.be.Upsert(ctx, TableUsers, newProfileRow(u), "id", nil)
}

// InsertProfile creates the users row of u. It fails if the row exists.
func (g *Gateway) InsertProfile(ctx context.Context, u model.User) error {
	if err := g.ready(); err != nil {
		return err
	}
	return g.be.Insert(ctx, TableUsers, newProfileRow(u), nil)
}
