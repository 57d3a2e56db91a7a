// Package model holds the chat domain types shared by the daemon, the
// control API and the TUI.
package model

import "time"

// User is a row of the users table.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Label is the best human name for the user.
func (u User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// Chat is a row of the chats table plus its derived last message.
type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsGroup     bool      `json:"is_group"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UnreadCount int       `json:"unread_count"`
	LastMessage *Message  `json:"last_message,omitempty"`
}

// ChatMember is a row of the chat_members table.
type ChatMember struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// AttachmentType classifies an uploaded file.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
)

// Message is a row of the messages table. Pending is client-side only and
// marks an optimistic entry that the backend has not confirmed yet.
type Message struct {
	ID             string         `json:"id"`
	ChatID         string         `json:"chat_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	AttachmentURL  string         `json:"attachment_url,omitempty"`
	AttachmentType AttachmentType `json:"attachment_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Pending        bool           `json:"pending,omitempty"`
}

// Attachment is a file to upload alongside a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}
