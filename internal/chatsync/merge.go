package chatsync

import (
	"slices"

	"github.com/matheus3301/wpweb/internal/model"
)

// sortChats orders chats by updated_at, most recent first. Ties keep id order
// so the list is stable across re-sorts.
func sortChats(chats []model.Chat) {
	slices.SortStableFunc(chats, func(a, b model.Chat) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// upsertChat replaces the chat with c's id or appends c.
func upsertChat(chats []model.Chat, c model.Chat) []model.Chat {
	for i := range chats {
		if chats[i].ID == c.ID {
			chats[i] = c
			return chats
		}
	}
	return append(chats, c)
}

// mergeChats overlays pushed onto fetched. A pushed chat wins unless the
// fetched copy is strictly newer.
func mergeChats(fetched, pushed []model.Chat) []model.Chat {
	out := slices.Clone(fetched)
	for _, p := range pushed {
		i := slices.IndexFunc(out, func(c model.Chat) bool { return c.ID == p.ID })
		switch {
		case i < 0:
			out = append(out, p)
		case !out[i].UpdatedAt.After(p.UpdatedAt):
			out[i] = p
		}
	}
	sortChats(out)
	return out
}

// insertMessage places m by created_at. An entry with the same id is
// replaced, so a confirmed row supersedes its optimistic copy.
func insertMessage(msgs []model.Message, m model.Message) []model.Message {
	msgs = removeMessage(msgs, m.ID)
	i, _ := slices.BinarySearchFunc(msgs, m, func(e, t model.Message) int {
		if e.CreatedAt.After(t.CreatedAt) {
			return 1
		}
		return -1
	})
	return slices.Insert(msgs, i, m)
}

func removeMessage(msgs []model.Message, id string) []model.Message {
	return slices.DeleteFunc(msgs, func(e model.Message) bool { return e.ID == id })
}

// mergeMessages takes fetched as the thread and adds entries of local that
// the fetch did not return: pushes that raced the fetch and pending sends.
func mergeMessages(fetched, local []model.Message) []model.Message {
	out := slices.Clone(fetched)
	slices.SortStableFunc(out, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, m := range local {
		if slices.ContainsFunc(out, func(e model.Message) bool { return e.ID == m.ID }) {
			continue
		}
		out = insertMessage(out, m)
	}
	return out
}
