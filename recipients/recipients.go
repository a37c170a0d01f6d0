// Package recipients holds the validated set of alert recipients.
package recipients

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"
)

var (
	ErrInvalid   = errors.New("invalid email address")
	ErrDuplicate = errors.New("email address already added")
	ErrNotFound  = errors.New("email address not in list")
)

// Normalize lower-cases and validates a single address. Display names and
// angle brackets are rejected; only a bare address is accepted.
func Normalize(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	parsed, err := mail.ParseAddress(a)
	if err != nil || parsed.Address != a || parsed.Name != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalid, addr)
	}
	at := strings.LastIndexByte(a, '@')
	if !strings.Contains(a[at+1:], ".") {
		return "", fmt.Errorf("%w: %q has no domain suffix", ErrInvalid, addr)
	}
	return a, nil
}

// List is safe for concurrent use.
type List struct {
	mu    sync.Mutex
	addrs []string
}

func New(addrs ...string) (*List, error) {
	l := &List{}
	for _, a := range addrs {
		if err := l.Add(a); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *List) Add(addr string) error {
	a, err := Normalize(addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if slices.Contains(l.addrs, a) {
		return fmt.Errorf("%w: %s", ErrDuplicate, a)
	}
	l.addrs = append(l.addrs, a)
	return nil
}

func (l *List) Remove(addr string) error {
	a := strings.ToLower(strings.TrimSpace(addr))
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.addrs, a)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	l.addrs = slices.Delete(l.addrs, i, i+1)
	return nil
}

// Snapshot returns a copy of the current addresses.
func (l *List) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.addrs)
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addrs)
}

// UserMessage maps validation errors to the text shown next to the input.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicate):
		return "That email is already on the list."
	case errors.Is(err, ErrInvalid):
		return "Please enter a valid email address."
	case errors.Is(err, ErrNotFound):
		return "That email is not on the list."
	default:
		return err.Error()
	}
}
