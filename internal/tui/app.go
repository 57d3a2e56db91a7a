package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/tui/keys"
	"github.com/matheus3301/wpweb/internal/tui/model"
	"github.com/matheus3301/wpweb/internal/tui/ui"
	"github.com/matheus3301/wpweb/internal/tui/views"
)

const (
	pageSignIn = "sign_in"
	pageSignUp = "sign_up"
	pageHome   = "home"
	pageChat   = "chat"
	pageHelp   = "help"

	callTimeout  = 30 * time.Second
	retryBackoff = 2 * time.Second
	flashTTL     = 5 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	registry  *keys.Registry
	theme     *ui.Theme
	statusBar *views.StatusBar
	signIn    *views.SignInForm
	signUp    *views.SignUpForm
	chatList  *views.ChatList
	msgView   *views.MessageView
	composer  *views.Composer
	help      *views.HelpView
	page      string
	showHelp  bool
	filterCh  chan string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *api.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c),
		registry:  keys.NewRegistry(),
		theme:     theme,
		statusBar: views.NewStatusBar(theme, profileName),
		signIn:    views.NewSignInForm(theme),
		signUp:    views.NewSignUpForm(theme),
		chatList:  views.NewChatList(theme),
		msgView:   views.NewMessageView(theme),
		composer:  views.NewComposer(),
		help:      views.NewHelpView(theme),
		filterCh:  make(chan string, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '?',
		Description: "?:help", Visible: true,
		Handler: func() { a.showHelp = true; a.render() },
	})

	a.registry.AddView(pageHome, &keys.Action{
		Key: tcell.KeyRune, Rune: '/',
		Description: "/:search", Visible: true,
		Handler: func() { a.app.SetFocus(a.chatList.Filter) },
	})
	a.registry.AddView(pageHome, &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "Esc:clear search",
		Handler: func() {
			a.chatList.Filter.SetText("")
			a.app.SetFocus(a.chatList.Table)
		},
	})
	a.registry.AddView(pageHome, &keys.Action{
		Key:         tcell.KeyCtrlL,
		Description: "Ctrl-L:sign out", Visible: true,
		Handler: func() { a.call(a.vm.SignOut) },
	})

	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "Esc:back", Visible: true,
		Handler: func() {
			if a.app.GetFocus() == a.composer.InputField {
				a.app.SetFocus(a.msgView)
				return
			}
			a.call(a.vm.CloseChat)
		},
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key:         tcell.KeyCtrlL,
		Description: "Ctrl-L:sign out",
		Handler:     func() { a.call(a.vm.SignOut) },
	})

	a.registry.AddView(pageSignUp, &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "Esc:back", Visible: true,
		Handler: a.vm.ShowSignIn,
	})
	a.registry.AddView(pageHelp, &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "Esc:close", Visible: true,
		Handler: func() { a.showHelp = false; a.render() },
	})
}

func (a *App) setupCallbacks() {
	a.signIn.SetOnSubmit(func(email, password string) {
		a.call(func(ctx context.Context) error { return a.vm.SignIn(ctx, email, password) })
	})
	a.signIn.SetOnSignUp(a.vm.ShowSignUp)
	a.signUp.SetOnSubmit(func(email, password, displayName string) {
		a.call(func(ctx context.Context) error { return a.vm.SignUp(ctx, email, password, displayName) })
	})
	a.signUp.SetOnBack(a.vm.ShowSignIn)

	a.chatList.SetOnFilter(func(query string) {
		// Keep only the latest query; the worker applies them in order.
		select {
		case <-a.filterCh:
		default:
		}
		a.filterCh <- query
	})
	a.chatList.SetOnOpen(func(chatID string) {
		a.call(func(ctx context.Context) error { return a.vm.OpenChat(ctx, chatID) })
	})

	a.composer.SetOnSend(a.submit)
}

// submit handles one line from the composer.
func (a *App) submit(text string) {
	cmd, body := parseComposerInput(text)
	if cmd != nil {
		a.runCommand(*cmd)
		return
	}
	path := a.composer.Attachment()
	a.composer.SetAttachment("")
	a.call(func(ctx context.Context) error { return a.vm.Send(ctx, body, path) })
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "attach":
		if cmd.Args == "" {
			a.vm.Flash.SetError("usage: /attach <path>", flashTTL)
			break
		}
		a.composer.SetAttachment(cmd.Args)
	case "detach":
		a.composer.SetAttachment("")
	case "help":
		a.showHelp = true
	case "quit", "q":
		a.Stop()
		return
	default:
		a.vm.Flash.SetError("unknown command /"+cmd.Name, flashTTL)
	}
	a.render()
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, true)

	a.pages.AddPage(pageSignIn, views.Centered(a.signIn, 60, 9), true, true)
	a.pages.AddPage(pageSignUp, views.Centered(a.signUp, 60, 11), true, false)
	a.pages.AddPage(pageHome, a.chatList, true, false)
	a.pages.AddPage(pageChat, chatFlex, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)
	a.page = pageSignIn

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		focus := a.app.GetFocus()
		if a.page == pageHome && focus == a.chatList.Filter &&
			(event.Key() == tcell.KeyEnter || event.Key() == tcell.KeyDown) {
			a.app.SetFocus(a.chatList.Table)
			return nil
		}
		if a.registry.HandleEvent(a.page, event, a.typing(focus)) {
			return nil
		}
		return event
	})
}

// typing reports whether printable keys belong to a text field.
func (a *App) typing(focus tview.Primitive) bool {
	if a.page == pageSignIn || a.page == pageSignUp {
		return true
	}
	_, ok := focus.(*tview.InputField)
	return ok
}

// call runs fn off the UI goroutine. Failures surface through the flash.
func (a *App) call(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		_ = fn(ctx)
	}()
}

// currentPage derives the page to show from the daemon route.
func (a *App) currentPage() string {
	if a.showHelp {
		return pageHelp
	}
	switch a.vm.Route() {
	case pageSignUp:
		return pageSignUp
	case pageHome:
		if a.vm.Snapshot().CurrentChatID != "" {
			return pageChat
		}
		return pageHome
	default:
		return pageSignIn
	}
}

// render redraws every view from the view model. Must run on the UI goroutine.
func (a *App) render() {
	snap := a.vm.Snapshot()
	page := a.currentPage()

	a.chatList.Update(snap.Filtered, len(snap.Chats))
	if c, ok := a.vm.CurrentChat(); ok {
		a.msgView.SetChat(c)
		a.msgView.Update(snap.Messages, a.vm.SenderName)
	}
	if page == pageHelp {
		a.help.Update(a.helpSections())
	}

	if page != a.page {
		a.page = page
		a.pages.SwitchToPage(page)
		switch page {
		case pageSignIn:
			a.signIn.Reset()
			a.app.SetFocus(a.signIn)
		case pageSignUp:
			a.signUp.Reset()
			a.app.SetFocus(a.signUp)
		case pageHome:
			a.app.SetFocus(a.chatList.Table)
		case pageChat:
			a.app.SetFocus(a.composer.InputField)
		case pageHelp:
			a.app.SetFocus(a.help)
		}
	}

	user := ""
	if snap.User != nil {
		user = snap.User.Label()
	}
	a.statusBar.SetStatus(a.vm.Status(), user)
	a.statusBar.SetHints(a.registry.Hints(page))
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

func (a *App) helpSections() []views.HelpSection {
	return []views.HelpSection{
		{Title: "Global", Lines: []string{"q:quit", "?:help", "Ctrl-C:quit immediately"}},
		{Title: "Chat list", Lines: append([]string{"Enter:open chat", "j/k, Up/Down:move"}, a.registry.Hints(pageHome)...)},
		{Title: "Chat", Lines: append([]string{"Enter:send message"}, a.registry.Hints(pageChat)...)},
		{Title: "Composer commands", Lines: []string{
			"/attach <path>:send a file with the next message",
			"/detach:drop the staged file",
			"//text:send text starting with a slash",
			"/help:show this help",
			"/quit:quit",
		}},
	}
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	go a.filterLoop()
	go a.watchLoop()
	go a.refreshLoop()
	defer a.cancel()
	return a.app.Run()
}

func (a *App) filterLoop() {
	for {
		select {
		case q := <-a.filterCh:
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			_ = a.vm.Filter(ctx, q)
			cancel()
		case <-a.ctx.Done():
			return
		}
	}
}

// watchLoop keeps the event stream open, reconnecting after failures.
func (a *App) watchLoop() {
	for a.ctx.Err() == nil {
		if err := a.vm.Watch(a.ctx); err != nil {
			a.vm.Flash.SetError("daemon connection lost: "+api.ErrorMessage(err), flashTTL)
		}
		select {
		case <-time.After(retryBackoff):
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.vm.RefreshCh():
		case <-ticker.C:
		case <-a.ctx.Done():
			return
		}
		a.app.QueueUpdateDraw(a.render)
	}
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
