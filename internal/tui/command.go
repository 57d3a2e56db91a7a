package tui

import "strings"

// Command is a composer command such as "/attach ~/cat.png".
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading '/').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// parseComposerInput splits composer text into a command or a message body.
// A leading "//" sends the text literally with one slash.
func parseComposerInput(text string) (*Command, string) {
	switch {
	case strings.HasPrefix(text, "//"):
		return nil, text[1:]
	case strings.HasPrefix(text, "/"):
		cmd := ParseCommand(text[1:])
		return &cmd, ""
	default:
		return nil, text
	}
}
