package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/tui/ui"
)

// MessageView displays the messages of the selected chat.
type MessageView struct {
	*tview.TextView
	theme *ui.Theme
	now   func() time.Time
}

// NewMessageView creates a new message view.
func NewMessageView(th *ui.Theme) *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ").SetBorderColor(th.BorderColor)
	return &MessageView{TextView: tv, theme: th, now: time.Now}
}

// SetChat updates the title with the chat name.
func (mv *MessageView) SetChat(c model.Chat) {
	name := c.Name
	if name == "" {
		name = "Unnamed chat"
	}
	if c.IsGroup {
		name += " (group)"
	}
	mv.SetTitle(fmt.Sprintf(" %s ", clean(name)))
}

// Update redraws the thread, oldest message first.
func (mv *MessageView) Update(msgs []model.Message, nameOf func(id string) string) {
	mv.Clear()
	if len(msgs) == 0 {
		_, _ = fmt.Fprintf(mv, "%sNo messages yet. Say hi![-]", ui.Tag(mv.theme.PendingColor))
		return
	}
	_, _ = fmt.Fprint(mv, renderThread(msgs, mv.now(), nameOf, mv.theme))
	mv.ScrollToEnd()
}
