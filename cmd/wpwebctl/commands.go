package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/model"
)

type command struct {
	args   string
	help   string
	stream bool
	run    func(ctx context.Context, c *api.Client, args []string, out *printer) error
}

var commandOrder = []string{"status", "login", "signup", "logout", "users", "chats", "open", "messages", "send", "outbox", "watch"}

var commands = map[string]command{
	"status":   {help: "Show daemon and session status", run: cmdStatus},
	"login":    {args: "[--password p] <email>", help: "Sign in", run: cmdLogin},
	"signup":   {args: "[--password p] <email> <name>", help: "Create an account", run: cmdSignup},
	"logout":   {help: "Sign out", run: cmdLogout},
	"users":    {help: "List users", run: cmdUsers},
	"chats":    {args: "[filter]", help: "List chats, optionally filtered by name", run: cmdChats},
	"open":     {args: "<chat id or name>", help: "Select a chat and print its messages", run: cmdOpen},
	"messages": {help: "Print messages of the selected chat", run: cmdMessages},
	"send":     {args: "[--file path] <text>", help: "Send to the selected chat", run: cmdSend},
	"outbox":   {args: "[--state s] [--limit n]", help: "List logged sends, failed ones by default", run: cmdOutbox},
	"watch":    {help: "Stream daemon events until interrupted", stream: true, run: cmdWatch},
}

var errUsage = errors.New("invalid arguments, run wpwebctl --help")

func cmdStatus(ctx context.Context, c *api.Client, _ []string, out *printer) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if out.json {
		return out.JSON(resp)
	}
	out.Linef("Profile: %s", resp.Profile)
	out.Linef("Status:  %s", resp.Status)
	out.Linef("Route:   %s", resp.Route)
	if resp.User != nil {
		out.Linef("User:    %s <%s>", resp.User.Label(), resp.User.Email)
	}
	out.Linef("Backend: %s", map[bool]string{true: "configured", false: "not configured"}[resp.BackendConfigured])
	out.Linef("Chats:   %d", resp.ChatCount)
	if resp.CurrentChatID != "" {
		out.Linef("Open:    %s", resp.CurrentChatID)
	}
	out.Linef("Uptime:  %dms", resp.UptimeMs)
	return nil
}

// credentialFlags parses an optional --password. Without one the password
// comes from WPWEB_PASSWORD, then from the first line of stdin.
func credentialFlags(name string, args []string) ([]string, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if *password == "" {
		*password = os.Getenv("WPWEB_PASSWORD")
	}
	if *password == "" {
		p, err := readLine(os.Stdin)
		if err != nil {
			return nil, "", err
		}
		*password = p
	}
	return fs.Args(), *password, nil
}

func readLine(r io.Reader) (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func cmdLogin(ctx context.Context, c *api.Client, args []string, out *printer) error {
	rest, password, err := credentialFlags("login", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errUsage
	}
	resp, err := c.SignIn(ctx, rest[0], password)
	if err != nil {
		return err
	}
	return out.Route(resp)
}

func cmdSignup(ctx context.Context, c *api.Client, args []string, out *printer) error {
	rest, password, err := credentialFlags("signup", args)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return errUsage
	}
	resp, err := c.SignUp(ctx, rest[0], password, strings.Join(rest[1:], " "))
	if err != nil {
		return err
	}
	return out.Route(resp)
}

func cmdLogout(ctx context.Context, c *api.Client, _ []string, out *printer) error {
	resp, err := c.SignOut(ctx)
	if err != nil {
		return err
	}
	return out.Route(resp)
}

func cmdUsers(ctx context.Context, c *api.Client, _ []string, out *printer) error {
	resp, err := c.ListUsers(ctx)
	if err != nil {
		return err
	}
	if out.json {
		return out.JSON(resp)
	}
	for _, u := range resp.Users {
		out.Linef("%-38s %-24s %s", u.ID, u.Label(), u.Email)
	}
	return nil
}

func cmdChats(ctx context.Context, c *api.Client, args []string, out *printer) error {
	resp, err := c.ListChats(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if out.json {
		return out.JSON(resp)
	}
	out.Chats(resp.Chats)
	if len(resp.Chats) != resp.Total {
		out.Linef("(%d of %d chats)", len(resp.Chats), resp.Total)
	}
	return nil
}

func cmdOpen(ctx context.Context, c *api.Client, args []string, out *printer) error {
	if len(args) == 0 {
		return errUsage
	}
	all, err := c.ListChats(ctx, "")
	if err != nil {
		return err
	}
	chat, err := resolveChat(all.Chats, strings.Join(args, " "))
	if err != nil {
		return err
	}
	resp, err := c.SelectChat(ctx, chat.ID)
	if err != nil {
		return err
	}
	return out.Messages(resp)
}

// resolveChat finds a chat by exact id, then by case-insensitive name. A
// name shared by several chats is ambiguous.
func resolveChat(chats []model.Chat, arg string) (model.Chat, error) {
	for _, c := range chats {
		if c.ID == arg {
			return c, nil
		}
	}
	var found []model.Chat
	for _, c := range chats {
		if strings.EqualFold(c.Name, arg) {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return model.Chat{}, fmt.Errorf("no chat named %q", arg)
	case 1:
		return found[0], nil
	default:
		return model.Chat{}, fmt.Errorf("%d chats are named %q, use the chat id", len(found), arg)
	}
}

func cmdMessages(ctx context.Context, c *api.Client, _ []string, out *printer) error {
	resp, err := c.ListMessages(ctx)
	if err != nil {
		return err
	}
	return out.Messages(resp)
}

func cmdSend(ctx context.Context, c *api.Client, args []string, out *printer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	file := fs.String("file", "", "path of a file to attach")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" && *file == "" {
		return errUsage
	}
	path := *file
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		path = abs
	}
	resp, err := c.SendMessage(ctx, text, path)
	if err != nil {
		return err
	}
	if resp.Message == nil {
		return errors.New("no chat selected")
	}
	if out.json {
		return out.JSON(resp)
	}
	out.Linef("sent %s", resp.Message.ID)
	return nil
}

func cmdOutbox(ctx context.Context, c *api.Client, args []string, out *printer) error {
	fs := flag.NewFlagSet("outbox", flag.ContinueOnError)
	state := fs.String("state", "failed", "sending, sent or failed")
	limit := fs.Int("limit", 0, "maximum number of sends")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errUsage
	}
	resp, err := c.ListSends(ctx, *state, *limit)
	if err != nil {
		return err
	}
	return out.Sends(resp)
}

func cmdWatch(ctx context.Context, c *api.Client, _ []string, out *printer) error {
	w, err := c.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := w.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := out.Event(evt); err != nil {
			return err
		}
	}
}
