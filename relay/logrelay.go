package relay

import (
	"context"
	"fmt"

	"clapguard/log"
)

// LogOnly writes each message to the alert log instead of sending it. It is
// the dry-run provider used before relay credentials are configured.
type LogOnly struct{}

func (LogOnly) Name() string { return "log" }

func (LogOnly) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == "" {
		return nil, fmt.Errorf("recipient required")
	}
	log.AlertLine(fmt.Sprintf("dry-run delivery to %s (%.1f KB)", msg.To, float64(len(msg.ImageURI))/1024))
	return &Result{}, nil
}

// Unavailable stands in for a relay whose configuration is incomplete. Every
// send fails with a message telling the user what is missing.
type Unavailable struct {
	Err error
}

func (Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Send(context.Context, Message) (*Result, error) {
	msg := "Email relay is not configured."
	if u.Err != nil {
		msg = "Email relay is not configured: " + u.Err.Error()
	}
	return nil, &Error{Message: msg}
}
