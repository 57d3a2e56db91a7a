package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TableHeaderFg    tcell.Color
	TableCursorFg    tcell.Color
	TableCursorBg    tcell.Color
	TitleColor       tcell.Color
	OwnMessageColor  tcell.Color
	SenderColor      tcell.Color
	DayColor         tcell.Color
	PendingColor     tcell.Color
	UnreadColor      tcell.Color
	MenuKeyColor     tcell.Color
	FlashInfoColor   tcell.Color
	FlashErrColor    tcell.Color
}

// DefaultTheme returns the dark theme used by every view.
func DefaultTheme() *Theme {
	return &Theme{
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		TableHeaderFg:    tcell.ColorWhite,
		TableCursorFg:    tcell.ColorBlack,
		TableCursorBg:    tcell.ColorAqua,
		TitleColor:       tcell.ColorFuchsia,
		OwnMessageColor:  tcell.ColorGreen,
		SenderColor:      tcell.ColorAqua,
		DayColor:         tcell.ColorGray,
		PendingColor:     tcell.ColorGray,
		UnreadColor:      tcell.ColorGreen,
		MenuKeyColor:     tcell.ColorDodgerBlue,
		FlashInfoColor:   tcell.ColorNavajoWhite,
		FlashErrColor:    tcell.ColorOrangeRed,
	}
}

// Tag renders c as a tview color tag, for example "[#1e90ff]".
func Tag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}
