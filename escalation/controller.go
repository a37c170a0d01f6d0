// Package escalation implements the countdown and alert state machine that
// reacts to detected clapping gestures.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"clapguard/challenge"
	"clapguard/log"
)

type State int

const (
	Idle State = iota
	Detected
	Countdown
	Alerted
)

func (s State) String() string {
	switch s {
	case Detected:
		return "detected"
	case Countdown:
		return "countdown"
	case Alerted:
		return "alerted"
	default:
		return "idle"
	}
}

func ParseState(s string) (State, bool) {
	for _, st := range []State{Idle, Detected, Countdown, Alerted} {
		if st.String() == s {
			return st, true
		}
	}
	return Idle, false
}

type Event int

const (
	EventNone Event = iota
	EventGesture
	EventCountdownStarted
	EventTick
	EventChallenge
	EventFlashEnd
	EventCancelled // silence auto-cancel
	EventDefused   // challenge solved
	EventExpired   // silent expiry
	EventAlert
	EventAlertCleared
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventGesture:
		return "gesture"
	case EventCountdownStarted:
		return "countdown_started"
	case EventTick:
		return "tick"
	case EventChallenge:
		return "challenge"
	case EventFlashEnd:
		return "flash_end"
	case EventCancelled:
		return "cancelled"
	case EventDefused:
		return "defused"
	case EventExpired:
		return "expired"
	case EventAlert:
		return "alert"
	case EventAlertCleared:
		return "alert_cleared"
	case EventReset:
		return "reset"
	default:
		return "none"
	}
}

const (
	timerTick      = "tick"
	timerFlash     = "flash"
	timerAlertHold = "alert-hold"
)

type Config struct {
	CountdownSeconds int
	ChallengeAt      int // seconds remaining when the challenge is injected
	ChallengeEnabled bool
	FlashWindow      time.Duration
	SilenceCancel    time.Duration
	RecentGesture    time.Duration
	AlertHold        time.Duration
}

func DefaultConfig() Config {
	return Config{
		CountdownSeconds: 10,
		ChallengeAt:      8,
		ChallengeEnabled: true,
		FlashWindow:      1800 * time.Millisecond,
		SilenceCancel:    1500 * time.Millisecond,
		RecentGesture:    1500 * time.Millisecond,
		AlertHold:        6 * time.Second,
	}
}

type CountdownState struct {
	Active            bool
	SecondsRemaining  int
	ChallengeRequired bool
	ChallengeSolved   bool
}

type AlertState struct {
	Active bool
	Since  time.Time
}

type Snapshot struct {
	State       State
	Countdown   CountdownState
	Alert       AlertState
	Question    string
	Flashing    bool
	LastGesture time.Time
}

type Observer func(Event, Snapshot)

// Escalator runs the capture and delivery pipeline for an alert.
type Escalator interface {
	Escalate(ctx context.Context) error
}

// Hardware is the optional alert-mode collaborator.
type Hardware interface {
	StartAlert(ctx context.Context) error
	StopAlert(ctx context.Context) error
}

type nopHardware struct{}

func (nopHardware) StartAlert(context.Context) error { return nil }
func (nopHardware) StopAlert(context.Context) error  { return nil }

type Options struct {
	Clock      Clock
	Challenges *challenge.Generator
	Escalator  Escalator
	Hardware   Hardware
}

var ErrNoChallenge = errors.New("no challenge is active")

type Controller struct {
	cfg   Config
	clock Clock
	sched *Scheduler
	gen   *challenge.Generator
	esc   Escalator
	hw    Hardware

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	countdown   CountdownState
	alert       AlertState
	active      *challenge.Challenge
	issued      bool
	flashing    bool
	lastGesture time.Time
	generation  uint64
	observers   []Observer
	closed      bool
}

type notification struct {
	ev   Event
	snap Snapshot
}

func New(cfg Config, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Hardware == nil {
		opts.Hardware = nopHardware{}
	}
	if opts.Challenges == nil {
		opts.Challenges = challenge.NewGenerator(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		clock:  opts.Clock,
		sched:  NewScheduler(opts.Clock),
		gen:    opts.Challenges,
		esc:    opts.Escalator,
		hw:     opts.Hardware,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Controller) Subscribe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:       c.state,
		Countdown:   c.countdown,
		Alert:       c.alert,
		Flashing:    c.flashing,
		LastGesture: c.lastGesture,
	}
	if c.active != nil {
		s.Question = c.active.Question
	}
	return s
}

func (c *Controller) emit(out []notification, ev Event) []notification {
	return append(out, notification{ev: ev, snap: c.snapshotLocked()})
}

// unlock releases the lock and then delivers notifications in order.
func (c *Controller) unlock(out []notification) {
	observers := c.observers
	c.mu.Unlock()
	for _, n := range out {
		for _, o := range observers {
			o(n.ev, n.snap)
		}
	}
}

func (c *Controller) setState(to State, reason string) {
	if c.state != to {
		log.Transition(c.state.String(), to.String(), reason)
	}
	c.state = to
}

// Gesture reports a detected rhythmic clapping burst.
func (c *Controller) Gesture() {
	c.mu.Lock()
	if c.closed || c.state == Alerted {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	prev := c.lastGesture
	c.lastGesture = now
	var out []notification

	if c.countdown.Active {
		// Only a follow-up within the flash window extends the feedback.
		if !prev.IsZero() && now.Sub(prev) <= c.cfg.FlashWindow {
			c.startFlashLocked()
		}
		out = c.emit(out, EventGesture)
		c.unlock(out)
		return
	}

	c.setState(Detected, "gesture")
	out = c.emit(out, EventGesture)

	c.generation++
	c.issued = false
	c.active = nil
	c.countdown = CountdownState{Active: true, SecondsRemaining: c.cfg.CountdownSeconds}
	c.setState(Countdown, "gesture")
	c.startFlashLocked()
	c.scheduleTickLocked()
	out = c.emit(out, EventCountdownStarted)
	c.unlock(out)
}

func (c *Controller) startFlashLocked() {
	c.flashing = true
	gen := c.generation
	c.sched.After(timerFlash, c.cfg.FlashWindow, func() { c.endFlash(gen) })
}

func (c *Controller) endFlash(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.flashing {
		c.mu.Unlock()
		return
	}
	c.flashing = false
	out := c.emit(nil, EventFlashEnd)
	c.unlock(out)
}

func (c *Controller) scheduleTickLocked() {
	gen := c.generation
	c.sched.After(timerTick, time.Second, func() { c.tick(gen) })
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.countdown.Active || c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.countdown.SecondsRemaining--
	out := c.emit(nil, EventTick)
	startHW := false

	if c.cfg.ChallengeEnabled && !c.issued && c.countdown.SecondsRemaining <= c.cfg.ChallengeAt && c.countdown.SecondsRemaining > 0 {
		ch := c.gen.Next()
		c.active = &ch
		c.issued = true
		c.countdown.ChallengeRequired = true
		startHW = true
		out = c.emit(out, EventChallenge)
	}

	pending := c.countdown.ChallengeRequired && !c.countdown.ChallengeSolved
	stopHW := false

	switch {
	case c.countdown.SecondsRemaining <= 0:
		recent := !c.lastGesture.IsZero() && now.Sub(c.lastGesture) <= c.cfg.RecentGesture
		stopHW = c.countdown.ChallengeRequired
		if recent || pending {
			reason := "recent gesture"
			if pending {
				reason = "challenge unsolved"
			}
			c.clearCountdownLocked()
			c.enterAlertLocked(now, reason)
			out = c.emit(out, EventAlert)
			c.escalateLocked()
		} else {
			c.clearCountdownLocked()
			c.setState(Idle, "expired quietly")
			out = c.emit(out, EventExpired)
		}
	case !pending && now.Sub(c.lastGesture) > c.cfg.SilenceCancel:
		stopHW = c.countdown.ChallengeRequired
		c.clearCountdownLocked()
		c.setState(Idle, "silence")
		out = c.emit(out, EventCancelled)
	default:
		c.scheduleTickLocked()
	}

	c.unlock(out)
	if startHW {
		c.hardware("start_alert", Hardware.StartAlert)
	}
	if stopHW {
		c.hardware("stop_alert", Hardware.StopAlert)
	}
}

// clearCountdownLocked drops all countdown and challenge state and cancels
// the timers belonging to it.
func (c *Controller) clearCountdownLocked() {
	c.generation++
	c.sched.Cancel(timerTick)
	c.sched.Cancel(timerFlash)
	c.countdown = CountdownState{}
	c.active = nil
	c.issued = false
	c.flashing = false
}

func (c *Controller) enterAlertLocked(now time.Time, reason string) {
	c.alert = AlertState{Active: true, Since: now}
	c.setState(Alerted, reason)
	gen := c.generation
	c.sched.After(timerAlertHold, c.cfg.AlertHold, func() { c.clearAlert(gen) })
	log.AlertLine("alert: " + reason)
}

func (c *Controller) escalateLocked() {
	if c.esc == nil {
		return
	}
	esc := c.esc
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := esc.Escalate(ctx); err != nil {
			log.Warnf("alert delivery: %v", err)
		}
	}()
}

func (c *Controller) clearAlert(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.alert.Active {
		c.mu.Unlock()
		return
	}
	c.alert = AlertState{}
	c.setState(Idle, "alert hold elapsed")
	out := c.emit(nil, EventAlertCleared)
	c.unlock(out)
}

// Answer checks a typed answer against the active challenge. A correct
// answer cancels the countdown.
func (c *Controller) Answer(input string) error {
	c.mu.Lock()
	if !c.countdown.Active || c.active == nil {
		c.mu.Unlock()
		return ErrNoChallenge
	}
	if err := c.active.Check(input); err != nil {
		c.mu.Unlock()
		return err
	}
	c.countdown.ChallengeSolved = true
	c.clearCountdownLocked()
	c.setState(Idle, "challenge solved")
	out := c.emit(nil, EventDefused)
	c.unlock(out)
	c.hardware("stop_alert", Hardware.StopAlert)
	return nil
}

// Reset returns to idle from any state, cancelling every timer.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	hadChallenge := c.countdown.ChallengeRequired
	c.clearCountdownLocked()
	c.sched.Cancel(timerAlertHold)
	c.alert = AlertState{}
	c.lastGesture = time.Time{}
	c.setState(Idle, "reset")
	out := c.emit(nil, EventReset)
	c.unlock(out)
	if hadChallenge {
		c.hardware("stop_alert", Hardware.StopAlert)
	}
}

// Close cancels all timers and any alert still being delivered, then waits
// for background work to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.mu.Unlock()
	c.sched.Close()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) hardware(name string, call func(Hardware, context.Context) error) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := call(c.hw, c.ctx); err != nil {
			log.Warnf("hardware %s: %v", name, err)
		}
	}()
}
