package hotkey

import (
	"context"
	"time"
)

type Action string

const (
	// ActionSend captures and sends a photo to every recipient.
	ActionSend Action = "send"
	// ActionReset cancels a running countdown or clears an alert.
	ActionReset Action = "reset"
)

// Trigger turns raw key transitions into actions. A tap sends, a press held
// past the hold threshold resets. The reset fires while the key is still down
// so the user gets feedback without releasing.
type Trigger struct {
	actions chan Action
	hold    time.Duration
}

func NewTrigger(ctx context.Context, hk Hotkey, hold time.Duration) *Trigger {
	t := &Trigger{
		actions: make(chan Action, 1),
		hold:    hold,
	}
	go t.run(ctx, hk)
	return t
}

func (t *Trigger) Actions() <-chan Action { return t.actions }

func (t *Trigger) emit(a Action) {
	select {
	case t.actions <- a:
	default:
	}
}

func (t *Trigger) run(ctx context.Context, hk Hotkey) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hk.Keydown():
		}

		timer := time.NewTimer(t.hold)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-hk.Keyup():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			t.emit(ActionSend)
		case <-timer.C:
			t.emit(ActionReset)
			select {
			case <-ctx.Done():
				return
			case <-hk.Keyup():
			}
		}
	}
}
