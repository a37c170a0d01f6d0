package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"clapguard/audio"
	"clapguard/beep"
	"clapguard/capture"
	"clapguard/challenge"
	"clapguard/config"
	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/hardware"
	"clapguard/log"
	"clapguard/recipients"
	"clapguard/relay"
	"clapguard/rhythm"
	"clapguard/session"
	"clapguard/statews"
)

type appDeps struct {
	Audio     audio.Context
	Device    *audio.DeviceInfo
	Source    capture.Source
	Snapshot  *capture.HTTPSnapshot // polled by the app when non-nil
	Transport relay.Transport
	Hardware  hardware.Controller
	Clock     escalation.Clock
	Sink      EventSink
}

// app wires the listening session, the escalation controller, the dispatcher
// and the optional state feed together.
type app struct {
	cfg  config.Config
	deps appDeps

	recipients *recipients.List
	disp       *dispatch.Dispatcher
	ctrl       *escalation.Controller
	sess       *session.Session
	feed       *statews.Server

	ctx    context.Context
	cancel context.CancelFunc
	alerts atomic.Int64

	// runDone closes when the current Run loop has returned.
	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}

	// lifeMu serializes Restart and Stop.
	lifeMu  sync.Mutex
	stopped bool
}

var errNoAudio = errors.New("no audio context")

func newApp(cfg config.Config, deps appDeps) (*app, error) {
	if deps.Audio == nil {
		return nil, errNoAudio
	}
	if deps.Source == nil {
		deps.Source = &capture.Static{}
	}
	if deps.Hardware == nil {
		deps.Hardware = hardware.Noop{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Transport == nil {
		t, err := cfg.Transport()
		if err != nil {
			return nil, err
		}
		deps.Transport = t
	}

	list, err := recipients.New(cfg.Recipients...)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, deps: deps, recipients: list}

	var now func() time.Time
	if deps.Clock != nil {
		now = deps.Clock.Now
	}
	a.disp = dispatch.New(cfg.DispatchConfig(), dispatch.Options{
		Source:     deps.Source,
		Compressor: capture.NewCompressor(cfg.Compression()),
		Transport:  deps.Transport,
		Notifier:   dispatch.NotifierFunc(a.onNotice),
		Now:        now,
	})

	a.ctrl = escalation.New(cfg.Escalation(), escalation.Options{
		Clock:     deps.Clock,
		Escalator: &dispatch.Alerter{Dispatcher: a.disp, Recipients: list.Snapshot},
		Hardware:  deps.Hardware,
	})
	a.ctrl.Subscribe(a.onState)

	capCfg := audio.DefaultCaptureConfig()
	a.sess = session.New(session.Options{
		Context:  deps.Audio,
		Device:   deps.Device,
		Capture:  capCfg,
		Interval: cfg.PollInterval(),
		Sink:     a.ctrl,
		OnHealth: a.onHealth,
		OnFrame:  a.onFrame,
	})

	if cfg.StateWS.Enabled {
		a.feed = statews.NewServer(a, statews.Config{Describe: describeError})
	}
	return a, nil
}

// describeError maps command failures to the text shown to the user.
func describeError(err error) string {
	switch {
	case errors.Is(err, escalation.ErrNoChallenge):
		return "No challenge is active."
	case errors.Is(err, errNoAlert):
		return "Nothing to reset."
	case errors.Is(err, challenge.ErrEmptyAnswer):
		return "Enter an answer first."
	case errors.Is(err, challenge.ErrNotANumber):
		return "The answer must be a number."
	case errors.Is(err, challenge.ErrWrongAnswer):
		return "Wrong answer, try again."
	}
	if msg := dispatch.UserMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

// Start acquires the microphone and starts every background loop. A failed
// microphone is reported through the sink; the app keeps running so manual
// sends and the state feed stay available.
func (a *app) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	ctx = a.ctx

	a.startHardware(ctx)

	if a.deps.Snapshot != nil {
		go a.deps.Snapshot.Poll(ctx, a.cfg.CapturePollInterval())
	}

	if a.feed != nil {
		go func() {
			if err := a.feed.ListenAndServe(ctx, a.cfg.StateWS.Listen, a.cfg.StateWS.Path); err != nil {
				log.Errorf("state feed: %v", err)
			}
		}()
	}

	err := a.sess.Start()
	log.SessionStart(a.sess.ID(), a.sess.DeviceName(), a.cfg.Countdown.ChallengeEnabled)
	a.deps.Sink.DeviceLine(deviceLineText(a.sess.DeviceName()))
	if err != nil {
		log.Errorf("microphone: %v", err)
		return err
	}
	a.run()
	return nil
}

// run starts the polling loop, replacing any previous one.
func (a *app) run() {
	a.stopRun()
	a.runMu.Lock()
	defer a.runMu.Unlock()
	ctx, cancel := context.WithCancel(a.ctx)
	done := make(chan struct{})
	a.runCancel, a.runDone = cancel, done
	go func() {
		defer close(done)
		a.sess.Run(ctx)
	}()
}

// stopRun cancels the polling loop and waits for it to return, so the
// detector is no longer in use afterwards.
func (a *app) stopRun() {
	a.runMu.Lock()
	cancel, done := a.runCancel, a.runDone
	a.runCancel, a.runDone = nil, nil
	a.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (a *app) startHardware(ctx context.Context) {
	if !a.cfg.Hardware.Enabled {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := a.deps.Hardware.Status(hctx)
	if err != nil {
		log.Warnf("hardware controller unreachable: %v", err)
		return
	}
	log.Infof("hardware: camera=%t arduino=%t tracking=%t", st.CameraAvailable, st.ArduinoConnected, st.TrackingActive)
	if f := a.cfg.Hardware.SmoothingFactor; f != nil {
		if err := a.deps.Hardware.SetSmoothing(hctx, *f); err != nil {
			log.Warnf("hardware smoothing: %v", err)
		}
	}
	if err := a.deps.Hardware.StartTracking(hctx); err != nil {
		log.Warnf("hardware start_tracking: %v", err)
	}
}

// Stop releases the microphone and every timer. It may be called without
// Start, and more than once.
func (a *app) Stop() {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	log.SessionEnd(a.sess.ID(), a.sess.Gestures(), int(a.alerts.Load()))
	a.stopRun()
	a.ctrl.Close()
	a.disp.Close()
	a.sess.Stop()

	if a.cfg.Hardware.Enabled {
		// The controller no longer reaches the hardware once closed, and alert
		// mode may still be on from a pending challenge.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := a.deps.Hardware.StopAlert(ctx); err != nil {
			log.Warnf("hardware stop_alert: %v", err)
		}
		if err := a.deps.Hardware.StopTracking(ctx); err != nil {
			log.Warnf("hardware stop_tracking: %v", err)
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// Answer submits a challenge answer.
func (a *app) Answer(input string) error {
	return a.ctrl.Answer(input)
}

// Send captures and delivers one image outside of any alert.
func (a *app) Send() error {
	timeout := a.cfg.DispatchConfig().Timeout
	if timeout <= 0 {
		timeout = dispatch.DefaultConfig().Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := a.disp.Send(ctx, dispatch.Request{
		Recipients: a.recipients.Snapshot(),
		Reason:     "manual",
	})
	return err
}

var (
	errNoAlert    = errors.New("nothing to reset")
	errNotStarted = errors.New("app not started")
)

// Reset cancels a running countdown or clears an alert.
func (a *app) Reset() error {
	if a.ctrl.Snapshot().State == escalation.Idle {
		return errNoAlert
	}
	a.ctrl.Reset()
	return nil
}

// Restart re-acquires the microphone with fresh detector state and a new
// session ID.
func (a *app) Restart() error {
	if a.ctx == nil {
		return errNotStarted
	}
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.stopped {
		return errNotStarted
	}
	log.SessionEnd(a.sess.ID(), a.sess.Gestures(), int(a.alerts.Load()))
	a.stopRun()
	a.sess.Reset()
	if err := a.sess.Start(); err != nil {
		log.Errorf("microphone: %v", err)
		return err
	}
	log.SessionStart(a.sess.ID(), a.sess.DeviceName(), a.cfg.Countdown.ChallengeEnabled)
	a.deps.Sink.DeviceLine(deviceLineText(a.sess.DeviceName()))
	a.run()
	return nil
}

// SpinOnce asks the hardware controller for a single servo sweep.
func (a *app) SpinOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.deps.Hardware.SpinOnce(ctx)
}

func (a *app) onState(ev escalation.Event, snap escalation.Snapshot) {
	a.deps.Sink.State(ev, snap)
	if a.feed != nil && ev != escalation.EventFlashEnd {
		a.feed.PublishState(statews.StateFrom(ev, snap))
	}

	switch ev {
	case escalation.EventCountdownStarted:
		beep.PlayDetected()
	case escalation.EventTick:
		beep.PlayTick()
	case escalation.EventDefused:
		beep.PlayDefused()
	case escalation.EventAlert:
		a.alerts.Add(1)
		beep.PlayAlarm()
		desktopNotice(a.cfg.Notify.Desktop, "clapguard", "Alert: countdown expired without a response.")
	}
}

func (a *app) onNotice(n dispatch.Notice) {
	a.deps.Sink.Notice(n)
	if a.feed != nil {
		a.feed.PublishNotice(statews.NoticeFrom(n))
	}
	switch n.Kind {
	case dispatch.NoticeSent:
		desktopNotice(a.cfg.Notify.Desktop, "clapguard", n.Text)
	case dispatch.NoticeError:
		beep.PlayError()
		desktopNotice(a.cfg.Notify.Desktop, "clapguard", n.Text)
	}
}

func (a *app) onHealth(h session.Health, err error) {
	a.deps.Sink.Mic(h, err)
	if a.feed != nil {
		a.feed.PublishMic(statews.MicFrom(h, err))
	}
	if h == session.Failed {
		beep.PlayError()
	}
}

func (a *app) onFrame(r rhythm.Result) {
	a.deps.Sink.Level(r)
	if a.feed != nil {
		a.feed.PublishLevel(statews.LevelData{Peak: r.Peak, Threshold: r.Threshold, Pulse: r.Pulse})
	}
}
