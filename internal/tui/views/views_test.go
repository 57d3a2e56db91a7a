package views

import (
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/tui/ui"
)

var now = time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"zero", time.Time{}, ""},
		{"today", time.Date(2025, 3, 10, 8, 5, 0, 0, time.UTC), "08:05"},
		{"yesterday", time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC), "Yesterday"},
		{"this year", time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), "Jan 2"},
		{"last year", time.Date(2024, 12, 31, 10, 0, 0, 0, time.UTC), "31/12/24"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTimestamp(tt.at, now); got != tt.want {
				t.Errorf("formatTimestamp() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDayLabel(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-time.Hour), "Today"},
		{now.AddDate(0, 0, -1), "Yesterday"},
		{time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC), "February 14, 2025"},
	}
	for _, tt := range tests {
		if got := dayLabel(tt.at, now); got != tt.want {
			t.Errorf("dayLabel(%s) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestRenderThreadGroupsByDay(t *testing.T) {
	msgs := []model.Message{
		{ID: "1", SenderID: "u2", Content: "old", CreatedAt: time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)},
		{ID: "2", SenderID: "u1", Content: "yo", CreatedAt: time.Date(2025, 3, 9, 9, 0, 0, 0, time.UTC)},
		{ID: "3", SenderID: "u2", Content: "hi", CreatedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{ID: "4", SenderID: "u1", Content: "[red]x", CreatedAt: time.Date(2025, 3, 10, 9, 1, 0, 0, time.UTC), Pending: true},
	}
	nameOf := func(id string) string {
		if id == "u1" {
			return "You"
		}
		return "Bo"
	}
	out := renderThread(msgs, now, nameOf, ui.DefaultTheme())

	for _, label := range []string{"March 8, 2025", "Yesterday", "Today"} {
		if strings.Count(out, "── "+label+" ──") != 1 {
			t.Errorf("separator %q not rendered exactly once:\n%s", label, out)
		}
	}
	if strings.Index(out, "Yesterday") > strings.Index(out, "Today") {
		t.Error("days out of order")
	}
	if !strings.Contains(out, "sending...") {
		t.Error("pending marker missing")
	}
	if strings.Contains(out, "[red]x") {
		t.Error("message content was not escaped")
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		msg  *model.Message
		want string
	}{
		{"nil", nil, ""},
		{"text", &model.Message{Content: "hello\n  world"}, "hello world"},
		{"image", &model.Message{AttachmentType: model.AttachmentImage}, "[photo]"},
		{"caption", &model.Message{Content: "look", AttachmentType: model.AttachmentVideo}, "[video] look"},
		{"long", &model.Message{Content: strings.Repeat("a", 50)}, strings.Repeat("a", 37) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(tt.msg); got != tt.want {
				t.Errorf("preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"skin tone", "ok \U0001F44D\U0001F3FB!", "ok \U0001F44D!"},
		{"joiner and selector", "a\u200d\ufe0fb", "ab"},
		{"escape sequence", "\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"keeps newlines", "one\n\ttwo\r", "one\n\ttwo"},
		{"invalid utf8", "a\xffb", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeForTerminal(tt.in); got != tt.want {
				t.Errorf("sanitizeForTerminal(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChatListUpdateKeepsSelection(t *testing.T) {
	cl := NewChatList(ui.DefaultTheme())
	cl.now = func() time.Time { return now }
	chats := []model.Chat{
		{ID: "c1", Name: "Team", UpdatedAt: now, UnreadCount: 2},
		{ID: "c2", Name: "Demo", UpdatedAt: now.Add(-time.Hour)},
	}
	cl.Update(chats, 2)
	cl.Table.Select(2, 0)
	if got := cl.SelectedChat(); got != "c2" {
		t.Fatalf("SelectedChat() = %q, want c2", got)
	}

	cl.Update([]model.Chat{chats[1], chats[0]}, 3)
	if got := cl.SelectedChat(); got != "c2" {
		t.Errorf("after reorder SelectedChat() = %q, want c2", got)
	}
	if title := cl.Table.GetTitle(); title != " Chats [2/3] " {
		t.Errorf("title = %q", title)
	}
}

func TestStatusBarLine(t *testing.T) {
	sb := NewStatusBar(ui.DefaultTheme(), "work")
	sb.status = "AUTHENTICATED"
	sb.user = "Ana"
	sb.flash = "Send failed"
	sb.isError = true
	line := sb.line(now)
	for _, want := range []string{"work", "AUTHENTICATED", "Ana", "15:30", "Send failed", ui.Tag(ui.DefaultTheme().FlashErrColor)} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestRenderHelp(t *testing.T) {
	out := renderHelp([]HelpSection{{Title: "Chats", Lines: []string{"Enter:open chat", "plain"}}}, ui.DefaultTheme())
	if !strings.Contains(out, "Chats") || !strings.Contains(out, "open chat") || !strings.Contains(out, "plain") {
		t.Errorf("renderHelp() = %q", out)
	}
}
