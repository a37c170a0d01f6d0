// Package relay delivers captured images through an external email relay.
package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Message struct {
	To       string
	ImageURI string // data URI
	Params   map[string]string
}

type Result struct {
	Metrics *NetworkMetrics
}

type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) (*Result, error)
}

// Error is a failure reported by the relay itself. Message is the relay's
// own text, suitable for showing to the user.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay error %d", e.Status)
	}
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
}

const maxErrorLen = 300

func newError(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return &Error{Status: status, Message: msg}
}
