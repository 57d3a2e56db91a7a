package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/model"
)

// ChatChange is an insert or update of a chats row.
type ChatChange struct {
	Type   string
	ChatID string
}

// SubscribeChats delivers inserts and updates of chats rows. Membership is
// not filtered here.
func (g *Gateway) SubscribeChats(ctx context.Context, handler func(ChatChange)) (backend.Subscription, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.be.Subscribe(ctx, backend.ChangeFilter{Event: backend.ChangeAll, Table: TableChats}, func(c backend.Change) {
		if c.Type != backend.ChangeInsert && c.Type != backend.ChangeUpdate {
			return
		}
		var row struct {
			ID string `json:"id"`
		}
		if err := c.Decode(&row); err != nil || row.ID == "" {
			g.logger.Warn("discard undecodable chat change", zap.Error(err))
			return
		}
		handler(ChatChange{Type: c.Type, ChatID: row.ID})
	})
}

// SubscribeMessages delivers messages inserted into chatID.
func (g *Gateway) SubscribeMessages(ctx context.Context, chatID string, handler func(model.Message)) (backend.Subscription, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	f := backend.ChangeFilter{Event: backend.ChangeInsert, Table: TableMessages, Filter: "chat_id=eq." + chatID}
	return g.be.Subscribe(ctx, f, func(c backend.Change) {
		var m model.Message
		if err := c.Decode(&m); err != nil {
			g.logger.Warn("discard undecodable message change", zap.Error(err))
			return
		}
		if m.ChatID != chatID {
			return
		}
		handler(m)
	})
}
