package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/tui/ui"
)

const previewWidth = 40

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// formatTimestamp renders a chat list time: the clock for today, "Yesterday",
// or a short date.
func formatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	switch {
	case sameDay(t, now):
		return t.Format("15:04")
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "Yesterday"
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	default:
		return t.Format("02/01/06")
	}
}

// dayLabel names the day separator shown above a group of messages.
func dayLabel(t, now time.Time) string {
	t = t.In(now.Location())
	switch {
	case sameDay(t, now):
		return "Today"
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return t.Format("January 2, 2006")
	}
}

// attachmentLabel describes an attachment in one word.
func attachmentLabel(typ model.AttachmentType) string {
	switch typ {
	case model.AttachmentImage:
		return "[photo]"
	case model.AttachmentVideo:
		return "[video]"
	case model.AttachmentDocument:
		return "[document]"
	case "":
		return ""
	default:
		return "[file]"
	}
}

// preview is the single-line summary of a chat's last message.
func preview(m *model.Message) string {
	if m == nil {
		return ""
	}
	text := strings.Join(strings.Fields(m.Content), " ")
	if label := attachmentLabel(m.AttachmentType); label != "" {
		text = strings.TrimSpace(label + " " + text)
	}
	if r := []rune(text); len(r) > previewWidth {
		text = string(r[:previewWidth-3]) + "..."
	}
	return text
}

// clean makes untrusted text safe to print in a dynamic-color view.
func clean(s string) string {
	return tview.Escape(sanitizeForTerminal(s))
}

// renderThread formats messages oldest first, inserting a separator each
// time the calendar day changes. nameOf resolves sender ids.
func renderThread(msgs []model.Message, now time.Time, nameOf func(id string) string, th *ui.Theme) string {
	var b strings.Builder
	var last time.Time
	for i, m := range msgs {
		at := m.CreatedAt.In(now.Location())
		if i == 0 || !sameDay(at, last) {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s── %s ──[-]\n\n", ui.Tag(th.DayColor), dayLabel(at, now))
		}
		last = at

		name := nameOf(m.SenderID)
		color := th.SenderColor
		if name == "You" {
			color = th.OwnMessageColor
		}
		fmt.Fprintf(&b, "%s[::b]%s[-:-:-] [::d]%s[-:-:-]", ui.Tag(color), clean(name), at.Format("15:04"))
		if m.Pending {
			fmt.Fprintf(&b, " %ssending...[-]", ui.Tag(th.PendingColor))
		}
		b.WriteString("\n")
		if m.AttachmentURL != "" {
			fmt.Fprintf(&b, "%s %s\n", attachmentLabel(m.AttachmentType), clean(m.AttachmentURL))
		}
		if m.Content != "" {
			b.WriteString(clean(m.Content))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
