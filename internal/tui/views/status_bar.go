package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/tui/ui"
)

// StatusBar displays profile, session status, key hints and flash messages.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	status  string
	user    string
	hints   []string
	flash   string
	isError bool
}

// NewStatusBar creates a new status bar.
func NewStatusBar(th *ui.Theme, profile string) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: th, profile: profile}
}

// SetStatus updates the session status and the signed-in user.
func (sb *StatusBar) SetStatus(status, user string) {
	sb.status = status
	sb.user = user
	sb.render()
}

// SetHints replaces the key hints.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, isError bool) {
	sb.flash = msg
	sb.isError = isError
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.line(time.Now()))
}

func (sb *StatusBar) line(now time.Time) string {
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s", sb.profile, sb.status)
	if sb.user != "" {
		line += " | " + clean(sb.user)
	}
	line += " | " + now.Format("15:04")
	if len(sb.hints) > 0 {
		line += " | " + ui.Tag(sb.theme.MenuKeyColor) + strings.Join(sb.hints, "  ") + "[-]"
	}
	if sb.flash != "" {
		color := sb.theme.FlashInfoColor
		if sb.isError {
			color = sb.theme.FlashErrColor
		}
		line += " | " + ui.Tag(color) + clean(sb.flash) + "[-]"
	}
	return line
}
