package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clapguard/audio"
	"clapguard/rhythm"
)

var epoch = time.Unix(1700000000, 0)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (c *countingSink) Gesture() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func frame(peak, floor float32) []float32 {
	f := make([]float32, audio.FrameSize)
	for i := range f {
		v := floor
		if i < 16 {
			v = peak
		}
		if i%2 == 1 {
			v = -v
		}
		f[i] = v
	}
	return f
}

// play writes one frame every 20ms up to endMs and steps the session after
// each write; frames at clap times carry a short loud burst.
func play(s *Session, endMs int, claps ...int) []rhythm.Result {
	isClap := map[int]bool{}
	for _, c := range claps {
		isClap[c] = true
	}
	var out []rhythm.Result
	for ms := 0; ms <= endMs; ms += 20 {
		if isClap[ms] {
			s.buf.Write(frame(0.9, 0.01))
		} else {
			s.buf.Write(frame(0.01, 0.01))
		}
		if res := s.Step(at(ms)); res.Gesture {
			out = append(out, res)
		}
	}
	return out
}

func TestFourClapsAt350msForwardGesture(t *testing.T) {
	sink := &countingSink{}
	var seen []rhythm.Result
	s := New(Options{Sink: sink, OnGesture: func(r rhythm.Result) { seen = append(seen, r) }})

	got := play(s, 1600, 200, 560, 900, 1260)
	if len(got) != 1 {
		t.Fatalf("gestures = %d, want 1", len(got))
	}
	if sink.count() != 1 || s.Gestures() != 1 || len(seen) != 1 {
		t.Fatalf("sink=%d gestures=%d observed=%d", sink.count(), s.Gestures(), len(seen))
	}
	if got[0].MeanInterval < 300*time.Millisecond || got[0].MeanInterval > 400*time.Millisecond {
		t.Errorf("mean interval = %v", got[0].MeanInterval)
	}
}

func TestIrregularClapsIgnored(t *testing.T) {
	sink := &countingSink{}
	s := New(Options{Sink: sink})
	play(s, 1600, 200, 300, 800, 1300)
	if sink.count() != 0 {
		t.Errorf("irregular claps produced %d gestures", sink.count())
	}
}

func TestStepWithoutNewAudio(t *testing.T) {
	s := New(Options{})
	if res := s.Step(at(0)); res.Peak != 0 || res.Pulse {
		t.Errorf("Step with empty buffer = %+v", res)
	}
	s.buf.Write(frame(0.9, 0.01))
	s.Step(at(20))
	if res := s.Step(at(40)); res.Peak != 0 {
		t.Errorf("stale frame analysed twice: %+v", res)
	}
}

func TestStartReportsHealth(t *testing.T) {
	var states []Health
	s := New(Options{
		Context:  audio.NewFakeContextPCM(make([]byte, 6400), false),
		OnHealth: func(h Health, _ error) { states = append(states, h) },
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if h, err := s.Health(); h != Listening || err != nil {
		t.Fatalf("health = %s, %v", h, err)
	}
	if len(states) != 2 || states[0] != Initializing || states[1] != Listening {
		t.Errorf("health transitions = %v", states)
	}
	if s.DeviceName() != "fake" {
		t.Errorf("device = %q", s.DeviceName())
	}
}

func TestStartPermissionDenied(t *testing.T) {
	ctx := audio.NewFakeContextPCM(nil, false)
	ctx.StartErr = errors.New("access denied by user")
	s := New(Options{Context: ctx})

	err := s.Start()
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start() = %v, want permission denied", err)
	}
	h, herr := s.Health()
	if h != Failed || !errors.Is(herr, audio.ErrPermissionDenied) {
		t.Fatalf("health = %s, %v", h, herr)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Run after failed start = %v", err)
	}
}

func TestStartWithoutContext(t *testing.T) {
	s := New(Options{})
	if err := s.Start(); !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Errorf("Start() = %v, want device not found", err)
	}
}

func TestResetStartsFreshSession(t *testing.T) {
	sink := &countingSink{}
	s := New(Options{Sink: sink})
	first := s.ID()

	// Three claps, then a reset: the fourth alone must not complete a rhythm.
	play(s, 1000, 200, 560, 900)
	s.Reset()
	if s.ID() == first {
		t.Error("Reset kept the session ID")
	}
	if h, _ := s.Health(); h != Initializing {
		t.Errorf("health after reset = %s", h)
	}
	if len(s.det.Pulses()) != 0 {
		t.Error("pulse log survived reset")
	}
	play(s, 400, 260)
	if sink.count() != 0 {
		t.Errorf("gesture after reset = %d", sink.count())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{
		Context:  audio.NewFakeContextPCM(make([]byte, 6400), false),
		Interval: 5 * time.Millisecond,
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
