package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"clapguard/audio"
	"clapguard/beep"
	"clapguard/config"
	"clapguard/escalation"
	"clapguard/log"
)

const waitTimeout = 30 * time.Second

// eventWaiter lets the stdin driver block until the controller reaches a
// state or emits an event.
type eventWaiter struct {
	mu      sync.Mutex
	seen    []escalation.Event
	state   escalation.State
	changed chan struct{}
}

func newEventWaiter() *eventWaiter {
	return &eventWaiter{changed: make(chan struct{})}
}

func (w *eventWaiter) observe(ev escalation.Event, snap escalation.Snapshot) {
	w.mu.Lock()
	w.seen = append(w.seen, ev)
	w.state = snap.State
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// waitEvent consumes observed events up to and including the first ev.
func (w *eventWaiter) waitEvent(ev escalation.Event, timeout time.Duration) bool {
	return w.wait(timeout, func() bool {
		for i, e := range w.seen {
			if e == ev {
				w.seen = w.seen[i+1:]
				return true
			}
		}
		return false
	})
}

func (w *eventWaiter) waitState(st escalation.State, timeout time.Duration) bool {
	return w.wait(timeout, func() bool { return w.state == st })
}

func (w *eventWaiter) wait(timeout time.Duration, done func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		w.mu.Lock()
		ok := done()
		ch := w.changed
		w.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

func parseEvent(s string) (escalation.Event, bool) {
	for ev := escalation.EventGesture; ev <= escalation.EventReset; ev++ {
		if ev.String() == s {
			return ev, true
		}
	}
	return escalation.EventNone, false
}

// runTestMode plays wavPath as the microphone in real time and executes one
// command per input line:
//
//	ANSWER <n>  SEND  RESET  WAIT_STATE <state>  WAIT_EVENT <event>  SLEEP <ms>  QUIT
//
// Events and command results are printed one per line to out.
func runTestMode(cfg config.Config, wavPath string, in io.Reader, out io.Writer) int {
	beep.Disable()

	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(out, "ERROR loading WAV: %v\n", err)
		return 1
	}

	sink := newLineSink(out)
	source, snap := cfg.CaptureSource()
	a, err := newApp(cfg, appDeps{
		Audio:     fakeCtx,
		Source:    source,
		Snapshot:  snap,
		Transport: transportFor(cfg),
		Hardware:  cfg.HardwareController(),
		Sink:      sink,
	})
	if err != nil {
		fmt.Fprintf(out, "ERROR %v\n", err)
		return 1
	}

	waiter := newEventWaiter()
	a.ctrl.Subscribe(waiter.observe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(out, "ERROR %s\n", audio.UserMessage(err))
		return 1
	}
	defer a.Stop()

	result := func(name string, err error) {
		if err != nil {
			sink.printf("%s error %s", name, describeError(err))
			return
		}
		sink.printf("%s ok", name)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "ANSWER":
			result("ANSWER", a.Answer(arg))
		case "SEND":
			result("SEND", a.Send())
		case "RESET":
			result("RESET", a.Reset())
		case "WAIT_STATE":
			st, ok := escalation.ParseState(arg)
			if !ok {
				sink.printf("ERROR unknown state %q", arg)
				continue
			}
			if !waiter.waitState(st, waitTimeout) {
				sink.printf("TIMEOUT waiting for state %s", arg)
			}
		case "WAIT_EVENT":
			ev, ok := parseEvent(arg)
			if !ok {
				sink.printf("ERROR unknown event %q", arg)
				continue
			}
			if !waiter.waitEvent(ev, waitTimeout) {
				sink.printf("TIMEOUT waiting for event %s", arg)
			}
		case "SLEEP":
			if ms, err := strconv.Atoi(arg); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "QUIT":
			log.Info("test mode quit")
			return 0
		default:
			sink.printf("ERROR unknown command %q", cmd)
		}
	}
	return 0
}
