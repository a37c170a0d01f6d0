//go:build !linux

package hotkey

import (
	"fmt"

	"golang.design/x/hotkey"
)

var xKeys = map[rune]hotkey.Key{
	'a': hotkey.KeyA, 'b': hotkey.KeyB, 'c': hotkey.KeyC, 'd': hotkey.KeyD, 'e': hotkey.KeyE,
	'f': hotkey.KeyF, 'g': hotkey.KeyG, 'h': hotkey.KeyH, 'i': hotkey.KeyI, 'j': hotkey.KeyJ,
	'k': hotkey.KeyK, 'l': hotkey.KeyL, 'm': hotkey.KeyM, 'n': hotkey.KeyN, 'o': hotkey.KeyO,
	'p': hotkey.KeyP, 'q': hotkey.KeyQ, 'r': hotkey.KeyR, 's': hotkey.KeyS, 't': hotkey.KeyT,
	'u': hotkey.KeyU, 'v': hotkey.KeyV, 'w': hotkey.KeyW, 'x': hotkey.KeyX, 'y': hotkey.KeyY,
	'z': hotkey.KeyZ,
	'0': hotkey.Key0, '1': hotkey.Key1, '2': hotkey.Key2, '3': hotkey.Key3, '4': hotkey.Key4,
	'5': hotkey.Key5, '6': hotkey.Key6, '7': hotkey.Key7, '8': hotkey.Key8, '9': hotkey.Key9,
}

func modifiers(b Binding) []hotkey.Modifier {
	var mods []hotkey.Modifier
	if b.Ctrl {
		mods = append(mods, hotkey.ModCtrl)
	}
	if b.Shift {
		mods = append(mods, hotkey.ModShift)
	}
	if b.Alt {
		mods = append(mods, modAlt)
	}
	return mods
}

// osHotkey registers the binding with the OS. The library delivers events on
// its own channels; they are forwarded until Unregister.
type osHotkey struct {
	binding Binding
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
	stop    chan struct{}
}

func New(b Binding) Hotkey {
	h := &osHotkey{
		binding: b,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
	if key, ok := xKeys[b.Key]; ok {
		h.hk = hotkey.New(modifiers(b), key)
	}
	return h
}

func (h *osHotkey) Register() error {
	if h.hk == nil {
		return fmt.Errorf("hotkey %s has no key code", h.binding)
	}
	if err := h.hk.Register(); err != nil {
		return fmt.Errorf("register %s: %w", h.binding, err)
	}
	h.stop = make(chan struct{})
	go forward(h.hk.Keydown(), h.keydown, h.stop)
	go forward(h.hk.Keyup(), h.keyup, h.stop)
	return nil
}

func forward(from <-chan hotkey.Event, to chan<- struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-from:
			select {
			case to <- struct{}{}:
			default:
			}
		}
	}
}

func (h *osHotkey) Unregister() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.stop = nil
	_ = h.hk.Unregister()
}

func (h *osHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *osHotkey) Keyup() <-chan struct{}   { return h.keyup }

func Diagnose(b Binding) (string, error) {
	if _, ok := xKeys[b.Key]; !ok {
		return "", fmt.Errorf("hotkey %s has no key code", b)
	}
	return "hotkey support available (" + b.String() + ")", nil
}
