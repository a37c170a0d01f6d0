//go:build linux

package hotkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// evdev constants from linux/input-event-codes.h.
const (
	evKey = 1

	keyRelease = 0
	keyPress   = 1

	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keyLAlt   = 56
	keyRAlt   = 100
)

// struct input_event on 64-bit: timeval(16) type(2) code(2) value(4).
const inputEventSize = 24

// Key codes follow the physical rows starting at KEY_1, KEY_Q, KEY_A, KEY_Z.
var keyRows = []struct {
	first uint16
	keys  string
}{
	{2, "1234567890"},
	{16, "qwertyuiop"},
	{30, "asdfghjkl"},
	{44, "zxcvbnm"},
}

func keyCode(r rune) (uint16, bool) {
	for _, row := range keyRows {
		if i := strings.IndexRune(row.keys, r); i >= 0 {
			return row.first + uint16(i), true
		}
	}
	return 0, false
}

var errNoKeyboards = errors.New("no keyboard devices found (is user in 'input' group?)")

type evdevHotkey struct {
	binding Binding
	key     uint16

	keydown chan struct{}
	keyup   chan struct{}

	files []*os.File
	stop  chan struct{}
	once  sync.Once
}

// New reads every keyboard under /dev/input directly, which works on X11 and
// Wayland alike but needs membership in the input group.
func New(b Binding) Hotkey {
	code, _ := keyCode(b.Key)
	return &evdevHotkey{
		binding: b,
		key:     code,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *evdevHotkey) Register() error {
	if h.key == 0 {
		return fmt.Errorf("hotkey %s has no keyboard code", h.binding)
	}
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return errNoKeyboards
	}

	h.stop = make(chan struct{})
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}
	if len(h.files) == 0 {
		return fmt.Errorf("could not open any of %d keyboard devices (run: sudo usermod -aG input $USER, then re-login)", len(keyboards))
	}
	return nil
}

type keyEvent struct {
	code  uint16
	value int32
}

// decodeKeyEvents returns the EV_KEY records in buf; partial records are ignored.
func decodeKeyEvents(buf []byte) []keyEvent {
	var out []keyEvent
	for i := 0; i+inputEventSize <= len(buf); i += inputEventSize {
		if binary.LittleEndian.Uint16(buf[i+16:]) != evKey {
			continue
		}
		out = append(out, keyEvent{
			code:  binary.LittleEndian.Uint16(buf[i+18:]),
			value: int32(binary.LittleEndian.Uint32(buf[i+20:])),
		})
	}
	return out
}

func (h *evdevHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	combo := comboState{binding: h.binding, key: h.key}

	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		select {
		case <-h.stop:
			return
		default:
		}

		for _, ev := range decodeKeyEvents(buf[:n]) {
			down, up := combo.feed(ev.code, ev.value)
			if down {
				signal(h.keydown)
			}
			if up {
				signal(h.keyup)
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// comboState tracks modifiers for one device. The modifier set must match the
// binding exactly, so Ctrl+Alt+Shift+S does not fire a Ctrl+Shift+S binding.
// Autorepeat events (value 2) never change state.
type comboState struct {
	binding Binding
	key     uint16

	ctrl, shift, alt bool
	held             bool
}

func (c *comboState) feed(code uint16, value int32) (down, up bool) {
	pressed := value == keyPress
	if !pressed && value != keyRelease {
		return false, false
	}

	switch code {
	case keyLCtrl, keyRCtrl:
		c.ctrl = pressed
	case keyLShift, keyRShift:
		c.shift = pressed
	case keyLAlt, keyRAlt:
		c.alt = pressed
	case c.key:
		if pressed && !c.held && c.modifiersMatch() {
			c.held = true
			return true, false
		}
		if !pressed && c.held {
			c.held = false
			return false, true
		}
	}
	return false, false
}

func (c *comboState) modifiersMatch() bool {
	b := c.binding
	return c.ctrl == b.Ctrl && c.shift == b.Shift && c.alt == b.Alt
}

func (h *evdevHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *evdevHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *evdevHotkey) Keyup() <-chan struct{}   { return h.keyup }

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}
	var keyboards []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") && isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

// isKeyboard treats devices with a wide key capability bitmap as keyboards;
// power buttons and lid switches report only a few bits.
func isKeyboard(eventName string) bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key"))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose reports whether the binding can be registered without grabbing it.
func Diagnose(b Binding) (string, error) {
	if _, ok := keyCode(b.Key); !ok {
		return "", fmt.Errorf("hotkey %s has no keyboard code", b)
	}
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", errNoKeyboards
	}
	for _, path := range keyboards {
		if f, err := os.Open(path); err == nil {
			f.Close()
			return fmt.Sprintf("%s via %d keyboard(s), opened %s", b, len(keyboards), path), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
