package main

import (
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/model"
)

// printer writes command results as text or indented JSON.
type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) Linef(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) Route(resp *api.RouteResponse) error {
	if p.json {
		return p.JSON(resp)
	}
	p.Linef("ok, now at %s", resp.Route)
	return nil
}

func (p *printer) Chats(chats []model.Chat) {
	for _, c := range chats {
		name := c.Name
		if c.IsGroup {
			name += " (group)"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("%d unread", c.UnreadCount)
		}
		p.Linef("%-38s %-32s %s %s", c.ID, name, c.UpdatedAt.Local().Format(time.DateTime), unread)
	}
}

func (p *printer) Messages(resp *api.ListMessagesResponse) error {
	if p.json {
		return p.JSON(resp)
	}
	for _, m := range resp.Messages {
		line := fmt.Sprintf("%s  %s: %s", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content)
		if m.AttachmentURL != "" {
			line += fmt.Sprintf(" [%s %s]", m.AttachmentType, m.AttachmentURL)
		}
		if m.Pending {
			line += " (sending)"
		}
		p.Linef("%s", line)
	}
	return nil
}

func (p *printer) Sends(resp *api.ListSendsResponse) error {
	if p.json {
		return p.JSON(resp)
	}
	if len(resp.Sends) == 0 {
		p.Linef("no sends")
		return nil
	}
	for _, e := range resp.Sends {
		line := fmt.Sprintf("%s  %-36s %-8s chat %s: %s", e.CreatedAt.Local().Format(time.DateTime), e.ClientMsgID, e.State, e.ChatID, e.Content)
		if e.Attachment != "" {
			line += fmt.Sprintf(" [%s]", e.Attachment)
		}
		if e.Error != "" {
			line += " (" + e.Error + ")"
		}
		p.Linef("%s", line)
	}
	return nil
}

// Event prints one Watch event. JSON mode writes one compact object per line.
func (p *printer) Event(evt *api.Event) error {
	if p.json {
		b, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		p.Linef("%s", b)
		return nil
	}
	at := time.UnixMilli(evt.OccurredAtUnixMs).Local().Format(time.TimeOnly)
	detail := evt.Text
	switch {
	case evt.Status != "":
		detail = evt.Status
	case evt.Route != "":
		detail = evt.Route
	case evt.Send != nil:
		detail = evt.Send.ClientMsgID
		if evt.Send.Error != "" {
			detail += ": " + evt.Send.Error
		}
	case evt.Snapshot != nil:
		detail = fmt.Sprintf("%d chats, %d messages", len(evt.Snapshot.Chats), len(evt.Snapshot.Messages))
	}
	p.Linef("%s %-24s %s", at, evt.Kind, detail)
	return nil
}
