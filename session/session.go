// Package session runs one listening session: it owns the microphone, polls
// the latest audio frame once per tick and forwards detected gestures.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clapguard/audio"
	"clapguard/log"
	"clapguard/rhythm"
)

type Health int

const (
	Initializing Health = iota
	Listening
	Failed
)

func (h Health) String() string {
	switch h {
	case Listening:
		return "listening"
	case Failed:
		return "error"
	default:
		return "initializing"
	}
}

const DefaultInterval = 16 * time.Millisecond

type GestureSink interface {
	Gesture()
}

type Options struct {
	Context  audio.Context
	Device   *audio.DeviceInfo
	Capture  audio.CaptureConfig
	Interval time.Duration
	Sink     GestureSink

	OnHealth  func(Health, error)
	OnGesture func(rhythm.Result)
	OnFrame   func(rhythm.Result) // every analysed frame, from the polling goroutine
}

var ErrNotStarted = errors.New("session not started")

type Session struct {
	opts Options
	buf  *audio.FrameBuffer
	det  *rhythm.Detector

	mu       sync.Mutex
	id       string
	capture  audio.CaptureDevice
	health   Health
	err      error
	gestures int
}

func New(opts Options) *Session {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Session{
		opts: opts,
		buf:  audio.NewFrameBuffer(audio.FrameSize),
		det:  rhythm.New(),
		id:   uuid.NewString(),
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Health() (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, s.err
}

func (s *Session) Gestures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gestures
}

// Source exposes the frame buffer the capture callback writes into.
func (s *Session) Source() audio.FrameSource { return s.buf }

func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return s.capture.DeviceName()
	}
	if s.opts.Device != nil {
		return s.opts.Device.Name
	}
	return "system default"
}

func (s *Session) setHealth(h Health, err error) {
	s.mu.Lock()
	s.health, s.err = h, err
	s.mu.Unlock()
	if s.opts.OnHealth != nil {
		s.opts.OnHealth(h, err)
	}
}

// Start acquires the microphone. Acquisition failures are classified and
// leave the session in the error state; there is no automatic retry.
func (s *Session) Start() error {
	s.setHealth(Initializing, nil)
	if s.opts.Context == nil {
		err := &audio.AcquireError{Kind: audio.ErrDeviceNotFound}
		s.setHealth(Failed, err)
		return err
	}

	dev, err := s.opts.Context.NewCapture(s.opts.Device, s.opts.Capture)
	if err != nil {
		err = audio.Classify(err)
		s.setHealth(Failed, err)
		return err
	}
	dev.SetCallback(s.buf.Callback())
	if err := dev.Start(); err != nil {
		dev.Close()
		err = audio.Classify(err)
		s.setHealth(Failed, err)
		return err
	}

	s.mu.Lock()
	s.capture = dev
	s.mu.Unlock()
	log.Infof("session %s listening on %s", s.ID(), dev.DeviceName())
	s.setHealth(Listening, nil)
	return nil
}

// Run polls the frame source until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if h, _ := s.Health(); h != Listening {
		return ErrNotStarted
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step analyses the newest frame, if any, as of now.
func (s *Session) Step(now time.Time) rhythm.Result {
	frame, ok := s.buf.NextFrame()
	if !ok {
		return rhythm.Result{}
	}
	res := s.det.Process(frame, now)
	if s.opts.OnFrame != nil {
		s.opts.OnFrame(res)
	}
	if !res.Gesture {
		return res
	}
	s.mu.Lock()
	s.gestures++
	s.mu.Unlock()
	log.Gesture(float64(res.MeanInterval.Milliseconds()), float64(res.Jitter.Microseconds())/1000)
	if s.opts.OnGesture != nil {
		s.opts.OnGesture(res)
	}
	if s.opts.Sink != nil {
		s.opts.Sink.Gesture()
	}
	return res
}

// Stop releases the microphone.
func (s *Session) Stop() {
	s.mu.Lock()
	dev := s.capture
	s.capture = nil
	s.mu.Unlock()
	if dev != nil {
		dev.ClearCallback()
		dev.Stop()
		dev.Close()
	}
}

// Reset ends the current session and clears all detector state. The next
// Start begins a new session with a fresh ID.
func (s *Session) Reset() {
	s.Stop()
	s.det.Reset()
	s.buf.Reset()
	s.mu.Lock()
	s.id = uuid.NewString()
	s.gestures = 0
	s.mu.Unlock()
	s.setHealth(Initializing, nil)
}

func (s *Session) String() string {
	h, err := s.Health()
	if err != nil {
		return fmt.Sprintf("%s (%s): %v", s.ID(), h, err)
	}
	return fmt.Sprintf("%s (%s)", s.ID(), h)
}
