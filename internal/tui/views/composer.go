package views

import (
	"path/filepath"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for sending messages. It shows the file
// staged with /attach in its label.
type Composer struct {
	*tview.InputField
	attachment string
	onSend     func(text string)
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0).
		SetPlaceholder("Type a message, /attach <path> to add a file")

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		text := c.GetText()
		if text != "" || c.attachment != "" {
			c.onSend(text)
			c.SetText("")
		}
	})

	return c
}

// SetOnSend sets the callback when the user presses Enter.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// Attachment returns the staged file path.
func (c *Composer) Attachment() string {
	return c.attachment
}

// SetAttachment stages path for the next send. An empty path clears it.
func (c *Composer) SetAttachment(path string) {
	c.attachment = path
	if path == "" {
		c.SetLabel(" > ")
		return
	}
	c.SetLabel(" [" + filepath.Base(path) + "] > ")
}
