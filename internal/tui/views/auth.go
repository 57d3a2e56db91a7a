package views

import (
	"github.com/rivo/tview"

	"github.com/matheus3301/wpweb/internal/tui/ui"
)

// SignInForm collects credentials for an existing account.
type SignInForm struct {
	*tview.Form
	onSubmit func(email, password string)
	onSignUp func()
}

// NewSignInForm creates the sign-in screen.
func NewSignInForm(th *ui.Theme) *SignInForm {
	f := &SignInForm{Form: tview.NewForm()}
	f.AddInputField("Email", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil).
		AddButton("Sign in", func() {
			if f.onSubmit != nil {
				f.onSubmit(f.text("Email"), f.text("Password"))
			}
		}).
		AddButton("Create account", func() {
			if f.onSignUp != nil {
				f.onSignUp()
			}
		})
	f.SetBorder(true).SetTitle(" Sign in ").SetTitleColor(th.TitleColor).SetBorderColor(th.BorderColor)
	return f
}

// SetOnSubmit sets the sign-in callback.
func (f *SignInForm) SetOnSubmit(fn func(email, password string)) { f.onSubmit = fn }

// SetOnSignUp sets the callback of the "Create account" button.
func (f *SignInForm) SetOnSignUp(fn func()) { f.onSignUp = fn }

// Reset clears the password and focuses the first field.
func (f *SignInForm) Reset() {
	f.GetFormItemByLabel("Password").(*tview.InputField).SetText("")
	f.SetFocus(0)
}

func (f *SignInForm) text(label string) string {
	return f.GetFormItemByLabel(label).(*tview.InputField).GetText()
}

// SignUpForm collects the fields for a new account.
type SignUpForm struct {
	*tview.Form
	onSubmit func(email, password, displayName string)
	onBack   func()
}

// NewSignUpForm creates the sign-up screen.
func NewSignUpForm(th *ui.Theme) *SignUpForm {
	f := &SignUpForm{Form: tview.NewForm()}
	f.AddInputField("Display name", "", 40, nil, nil).
		AddInputField("Email", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil).
		AddButton("Sign up", func() {
			if f.onSubmit != nil {
				f.onSubmit(f.text("Email"), f.text("Password"), f.text("Display name"))
			}
		}).
		AddButton("Back", func() {
			if f.onBack != nil {
				f.onBack()
			}
		})
	f.SetBorder(true).SetTitle(" Create account ").SetTitleColor(th.TitleColor).SetBorderColor(th.BorderColor)
	return f
}

// SetOnSubmit sets the sign-up callback.
func (f *SignUpForm) SetOnSubmit(fn func(email, password, displayName string)) { f.onSubmit = fn }

// SetOnBack sets the callback of the "Back" button.
func (f *SignUpForm) SetOnBack(fn func()) { f.onBack = fn }

// Reset clears every field.
func (f *SignUpForm) Reset() {
	for _, label := range []string{"Display name", "Email", "Password"} {
		f.GetFormItemByLabel(label).(*tview.InputField).SetText("")
	}
	f.SetFocus(0)
}

func (f *SignUpForm) text(label string) string {
	return f.GetFormItemByLabel(label).(*tview.InputField).GetText()
}

// Centered wraps p in a fixed-size box in the middle of the screen.
func Centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false), width, 0, true).
		AddItem(nil, 0, 1, false)
}
