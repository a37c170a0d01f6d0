package hotkey

import (
	"context"
	"testing"
	"time"
)

func waitAction(t *testing.T, tr *Trigger) Action {
	t.Helper()
	select {
	case a := <-tr.Actions():
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for action")
	}
	return ""
}

func expectNoAction(t *testing.T, tr *Trigger, wait time.Duration) {
	t.Helper()
	select {
	case a := <-tr.Actions():
		t.Fatalf("unexpected action %q", a)
	case <-time.After(wait):
	}
}

func TestTriggerTapSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fk := NewFake()
	tr := NewTrigger(ctx, fk, 200*time.Millisecond)

	fk.SimTap()
	if a := waitAction(t, tr); a != ActionSend {
		t.Errorf("action = %q, want %q", a, ActionSend)
	}
}

func TestTriggerHoldResets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fk := NewFake()
	threshold := 50 * time.Millisecond
	tr := NewTrigger(ctx, fk, threshold)

	fk.SimKeydown()
	// Reset fires before release.
	if a := waitAction(t, tr); a != ActionReset {
		t.Errorf("action = %q, want %q", a, ActionReset)
	}
	fk.SimKeyup()
	expectNoAction(t, tr, 50*time.Millisecond)
}

func TestTriggerMultipleCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fk := NewFake()
	threshold := 50 * time.Millisecond
	tr := NewTrigger(ctx, fk, threshold)

	// Cycle 1: hold
	fk.SimKeydown()
	if a := waitAction(t, tr); a != ActionReset {
		t.Fatalf("cycle 1 action = %q", a)
	}
	fk.SimKeyup()

	// Cycle 2: tap
	time.Sleep(10 * time.Millisecond)
	fk.SimTap()
	if a := waitAction(t, tr); a != ActionSend {
		t.Fatalf("cycle 2 action = %q", a)
	}

	// Cycle 3: tap again
	fk.SimTap()
	if a := waitAction(t, tr); a != ActionSend {
		t.Fatalf("cycle 3 action = %q", a)
	}
}

func TestTriggerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fk := NewFake()
	tr := NewTrigger(ctx, fk, 50*time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	select {
	case fk.keydown <- struct{}{}:
	default:
	}
	expectNoAction(t, tr, 100*time.Millisecond)
}
