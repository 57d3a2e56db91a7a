package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/tui/ui"
)

// HelpSection is one titled block of key or command descriptions.
type HelpSection struct {
	Title string
	Lines []string
}

// HelpView displays the key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true).
		SetBorderColor(theme.BorderColor).
		SetTitle(" Help (Esc to close) ").
		SetTitleColor(theme.TitleColor)
	return &HelpView{TextView: tv, theme: theme}
}

// Update redraws the reference from sections.
func (hv *HelpView) Update(sections []HelpSection) {
	hv.Clear()
	_, _ = fmt.Fprint(hv, renderHelp(sections, hv.theme))
	hv.ScrollToBeginning()
}

// renderHelp colors the key part of each "key:description" line.
func renderHelp(sections []HelpSection, th *ui.Theme) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", s.Title)
		for _, line := range s.Lines {
			key, desc, ok := strings.Cut(line, ":")
			if !ok {
				fmt.Fprintf(&b, "  %s\n", tview.Escape(line))
				continue
			}
			fmt.Fprintf(&b, "  %s%-14s[-] %s\n", ui.Tag(th.MenuKeyColor), tview.Escape(key), tview.Escape(desc))
		}
	}
	return b.String()
}
