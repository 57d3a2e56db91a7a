package keys

import "github.com/gdamore/tcell/v2"

// Action is one key binding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// IsRune reports whether the binding is a printable key, which must not
// fire while a text input has focus.
func (a *Action) IsRune() bool {
	return a.Key == tcell.KeyRune
}

// Registry holds key bindings per page, in registration order.
type Registry struct {
	global []*Action
	views  map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string][]*Action)}
}

// AddGlobal registers a binding active on every page.
func (r *Registry) AddGlobal(action *Action) {
	r.global = append(r.global, action)
}

// AddView registers a binding for one page.
func (r *Registry) AddView(view string, action *Action) {
	r.views[view] = append(r.views[view], action)
}

// Hints returns visible descriptions for a page, page bindings first.
func (r *Registry) Hints(view string) []string {
	var hints []string
	for _, a := range append(append([]*Action(nil), r.views[view]...), r.global...) {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	return hints
}

// HandleEvent runs the first binding of view, then of the global set, that
// matches ev. typing suppresses rune bindings. Returns true if one ran.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey, typing bool) bool {
	for _, set := range [][]*Action{r.views[view], r.global} {
		for _, a := range set {
			if typing && a.IsRune() {
				continue
			}
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}
