package views

import (
	"strings"
	"unicode"
)

// sanitizeForTerminal drops runes that break tcell cell widths or could
// drive the terminal: escape sequences and other control characters, emoji
// skin tone modifiers, zero width joiners and variation selectors. Newlines
// and tabs survive. A thumbs-up with a skin tone renders as the plain
// two-cell thumbs-up.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		if dropRune(r) {
			return -1
		}
		return r
	}, s)
}

func dropRune(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return false
	case unicode.IsControl(r):
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
		return true
	case r == 0x200D: // zero width joiner
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF: // variation selectors
		return true
	case r == unicode.ReplacementChar:
		return true
	default:
		return false
	}
}
