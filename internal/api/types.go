package api

import (
	"github.com/matheus3301/wpweb/internal/chatsync"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/outbox"
)

type StatusRequest struct{}

type StatusResponse struct {
	Profile           string      `json:"profile"`
	Status            string      `json:"status"`
	Route             string      `json:"route"`
	User              *model.User `json:"user,omitempty"`
	BackendConfigured bool        `json:"backend_configured"`
	UptimeMs          int64       `json:"uptime_ms"`
	ChatCount         int         `json:"chat_count"`
	CurrentChatID     string      `json:"current_chat_id,omitempty"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type SignOutRequest struct{}

// RouteResponse carries the route a client should show next.
type RouteResponse struct {
	Route string `json:"route"`
}

type ListUsersRequest struct{}

type ListUsersResponse struct {
	Users []model.User `json:"users"`
}

// ListChatsRequest sets the chat list filter. An empty filter lists every chat.
type ListChatsRequest struct {
	Filter string `json:"filter"`
}

type ListChatsResponse struct {
	Chats []model.Chat `json:"chats"`
	Total int          `json:"total"`
}

type SelectChatRequest struct {
	ChatID string `json:"chat_id"`
}

type ListMessagesRequest struct{}

type ListMessagesResponse struct {
	ChatID   string          `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}

// SendMessageRequest sends to the selected chat. AttachmentPath names a file
// on the daemon's host.
type SendMessageRequest struct {
	Content        string `json:"content"`
	AttachmentPath string `json:"attachment_path,omitempty"`
}

type SendMessageResponse struct {
	Message *model.Message `json:"message,omitempty"`
}

// ListSendsRequest reads the send log. State defaults to "failed" and Limit
// to outbox.DefaultListLimit.
type ListSendsRequest struct {
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type ListSendsResponse struct {
	Sends []outbox.Entry `json:"sends"`
}

type WatchRequest struct{}

// Event is one item of the Watch stream. Only the field matching Kind is set.
type Event struct {
	ID               string             `json:"id"`
	Kind             string             `json:"kind"`
	OccurredAtUnixMs int64              `json:"occurred_at_unix_ms"`
	Status           string             `json:"status,omitempty"`
	Route            string             `json:"route,omitempty"`
	Text             string             `json:"text,omitempty"`
	Snapshot         *chatsync.Snapshot `json:"snapshot,omitempty"`
	Send             *outbox.SendEvent  `json:"send,omitempty"`
}

// KindSnapshot is the first event of every Watch stream.
const KindSnapshot = "snapshot"
