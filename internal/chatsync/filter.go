package chatsync

import (
	"strings"

	"github.com/matheus3301/wpweb/internal/model"
)

// FilterChats returns the chats whose name contains query, ignoring case.
// A blank query returns every chat. The result never aliases chats.
func FilterChats(chats []model.Chat, query string) []model.Chat {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]model.Chat, 0, len(chats))
	for _, c := range chats {
		if q == "" || strings.Contains(strings.ToLower(c.Name), q) {
			out = append(out, c)
		}
	}
	return out
}
