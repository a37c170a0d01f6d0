// Package hotkey listens for the global manual-send binding.
package hotkey

import (
	"fmt"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Binding is a modifier set plus one letter or digit.
type Binding struct {
	Ctrl, Shift, Alt bool
	Key              rune // 'a'-'z' or '0'-'9'
}

var DefaultBinding = Binding{Ctrl: true, Shift: true, Key: 's'}

// ParseBinding reads forms like "ctrl+shift+s" or "Alt+Shift+9". At least one
// modifier is required so the binding never fires while typing.
func ParseBinding(s string) (Binding, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return Binding{}, fmt.Errorf("hotkey %q needs a modifier and a key", s)
	}

	var b Binding
	for _, p := range parts[:len(parts)-1] {
		var mod *bool
		switch strings.TrimSpace(p) {
		case "ctrl", "control":
			mod = &b.Ctrl
		case "shift":
			mod = &b.Shift
		case "alt", "option":
			mod = &b.Alt
		default:
			return Binding{}, fmt.Errorf("hotkey %q: unknown modifier %q", s, p)
		}
		if *mod {
			return Binding{}, fmt.Errorf("hotkey %q: modifier %q repeated", s, p)
		}
		*mod = true
	}

	key := []rune(strings.TrimSpace(parts[len(parts)-1]))
	if len(key) != 1 || !validKey(key[0]) {
		return Binding{}, fmt.Errorf("hotkey %q: key must be a single letter or digit", s)
	}
	b.Key = key[0]
	return b, nil
}

func validKey(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// String is the label shown in help text, e.g. "Ctrl+Shift+S".
func (b Binding) String() string {
	var parts []string
	if b.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if b.Alt {
		parts = append(parts, "Alt")
	}
	if b.Shift {
		parts = append(parts, "Shift")
	}
	return strings.Join(append(parts, strings.ToUpper(string(b.Key))), "+")
}
