package main

import (
	"fmt"
	"io"
	"sync"

	"clapguard/audio"
	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/rhythm"
	"clapguard/session"
)

// EventSink abstracts the display layer so the Bubble Tea TUI and the
// headless line printer receive the same controller and delivery events.
type EventSink interface {
	State(ev escalation.Event, snap escalation.Snapshot)
	Notice(n dispatch.Notice)
	Mic(h session.Health, err error)
	Level(r rhythm.Result)
	DeviceLine(text string)
}

type nopSink struct{}

func (nopSink) State(escalation.Event, escalation.Snapshot) {}
func (nopSink) Notice(dispatch.Notice)                      {}
func (nopSink) Mic(session.Health, error)                   {}
func (nopSink) Level(rhythm.Result)                         {}
func (nopSink) DeviceLine(string)                           {}

// lineSink prints one line per event. Headless and test modes use it; the
// integration tests parse its output.
type lineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineSink(w io.Writer) *lineSink { return &lineSink{w: w} }

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format+"\n", args...)
}

func (s *lineSink) State(ev escalation.Event, snap escalation.Snapshot) {
	switch ev {
	case escalation.EventTick:
		s.printf("TICK %d", snap.Countdown.SecondsRemaining)
	case escalation.EventChallenge:
		s.printf("CHALLENGE %s", snap.Question)
	case escalation.EventFlashEnd:
	default:
		s.printf("STATE %s %s", snap.State, ev)
	}
}

func (s *lineSink) Notice(n dispatch.Notice) {
	if n.Kind == dispatch.NoticeClear {
		return
	}
	s.printf("NOTICE %s %s", n.Kind, n.Text)
}

func (s *lineSink) Mic(h session.Health, err error) {
	if err != nil {
		s.printf("MIC %s %s", h, audio.UserMessage(err))
		return
	}
	s.printf("MIC %s", h)
}

func (s *lineSink) Level(rhythm.Result) {}

func (s *lineSink) DeviceLine(text string) { s.printf("DEVICE %s", text) }

func deviceLineText(name string) string {
	suffix := ""
	if audio.IsBluetooth(name) {
		suffix = " (BT!)"
	}
	return "mic: " + name + suffix
}
