package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/tui/ui"
)

// ChatList is the home screen: a filter input above the chat table.
type ChatList struct {
	*tview.Flex
	Filter   *tview.InputField
	Table    *tview.Table
	chats    []model.Chat
	theme    *ui.Theme
	onFilter func(query string)
	onOpen   func(chatID string)
	now      func() time.Time
}

// NewChatList creates the chat list screen.
func NewChatList(th *ui.Theme) *ChatList {
	cl := &ChatList{
		Filter: tview.NewInputField().SetLabel(" Search: ").SetFieldWidth(0),
		Table:  tview.NewTable().SetSelectable(true, false).SetFixed(1, 0),
		theme:  th,
		now:    time.Now,
	}
	cl.Table.SetBorder(true).SetTitle(" Chats ").SetBorderColor(th.BorderColor)
	cl.Table.SetSelectedStyle(tcell.StyleDefault.Foreground(th.TableCursorFg).Background(th.TableCursorBg))
	cl.Table.SetSelectedFunc(func(row, _ int) {
		if id := cl.chatAt(row); id != "" && cl.onOpen != nil {
			cl.onOpen(id)
		}
	})

	cl.Filter.SetChangedFunc(func(text string) {
		if cl.onFilter != nil {
			cl.onFilter(text)
		}
	})

	cl.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(cl.Filter, 1, 0, false).
		AddItem(cl.Table, 0, 1, true)
	return cl
}

// SetOnFilter sets the callback fired on every filter edit.
func (cl *ChatList) SetOnFilter(fn func(query string)) {
	cl.onFilter = fn
}

// SetOnOpen sets the callback fired when a chat row is chosen.
func (cl *ChatList) SetOnOpen(fn func(chatID string)) {
	cl.onOpen = fn
}

// Update redraws the table, keeping the cursor on the same chat when it
// is still listed.
func (cl *ChatList) Update(chats []model.Chat, total int) {
	selected := cl.SelectedChat()
	cl.chats = chats
	cl.Table.Clear()

	header := func(col int, text string) {
		cl.Table.SetCell(0, col, tview.NewTableCell(" "+text).SetSelectable(false).SetTextColor(cl.theme.TableHeaderFg))
	}
	header(0, "Name")
	header(1, "Last Message")
	header(2, "Time")
	header(3, "")

	now := cl.now()
	row := 1
	for i, c := range chats {
		name := c.Name
		if name == "" {
			name = "Unnamed chat"
		}
		at := c.UpdatedAt
		if c.LastMessage != nil {
			at = c.LastMessage.CreatedAt
		}
		badge := ""
		if c.UnreadCount > 0 {
			badge = fmt.Sprintf(" %s(%d)[-]", ui.Tag(cl.theme.UnreadColor), c.UnreadCount)
		}
		cl.Table.SetCell(i+1, 0, tview.NewTableCell(" "+clean(name)).SetMaxWidth(30).SetExpansion(1))
		cl.Table.SetCell(i+1, 1, tview.NewTableCell(" "+clean(preview(c.LastMessage))).SetMaxWidth(previewWidth+1).SetExpansion(2))
		cl.Table.SetCell(i+1, 2, tview.NewTableCell(" "+formatTimestamp(at, now)).SetMaxWidth(12))
		cl.Table.SetCell(i+1, 3, tview.NewTableCell(badge))
		if c.ID == selected {
			row = i + 1
		}
	}

	title := " Chats "
	if len(chats) != total {
		title = fmt.Sprintf(" Chats [%d/%d] ", len(chats), total)
	}
	cl.Table.SetTitle(title)
	if len(chats) > 0 {
		cl.Table.Select(row, 0)
	}
}

// SelectedChat returns the id of the chat under the cursor.
func (cl *ChatList) SelectedChat() string {
	row, _ := cl.Table.GetSelection()
	return cl.chatAt(row)
}

func (cl *ChatList) chatAt(row int) string {
	idx := row - 1
	if idx >= 0 && idx < len(cl.chats) {
		return cl.chats[idx].ID
	}
	return ""
}
