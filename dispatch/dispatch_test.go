package dispatch

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"clapguard/capture"
	"clapguard/relay"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) Notify(x Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *noticeLog) kinds(k NoticeKind) []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notice
	for _, x := range n.notices {
		if x.Kind == k {
			out = append(out, x)
		}
	}
	return out
}

type harness struct {
	d     *Dispatcher
	tr    *relay.Fake
	now   *fakeNow
	notes *noticeLog
}

func newHarness(t *testing.T, tr relay.Transport, src capture.Source) *harness {
	t.Helper()
	h := &harness{
		now:   &fakeNow{t: time.Unix(5000, 0)},
		notes: &noticeLog{},
	}
	if f, ok := tr.(*relay.Fake); ok {
		h.tr = f
	}
	if src == nil {
		src = &capture.Static{Image: image.NewRGBA(image.Rect(0, 0, 64, 48))}
	}
	cfg := DefaultConfig()
	cfg.NoticeFor = time.Hour
	h.d = New(cfg, Options{
		Source:     src,
		Compressor: capture.NewCompressor(capture.DefaultOptions(51200 - 2048)),
		Transport:  tr,
		Notifier:   h.notes,
		Now:        h.now.Now,
	})
	t.Cleanup(h.d.Close)
	return h
}

var one = []string{"a@example.com"}

func TestCooldownAllowsOneDelivery(t *testing.T) {
	h := newHarness(t, relay.NewFake(nil), nil)
	ctx := context.Background()

	if _, err := h.d.Send(ctx, Request{Recipients: one}); err != nil {
		t.Fatal(err)
	}
	h.now.Advance(3 * time.Second)
	_, err := h.d.Send(ctx, Request{Recipients: one})

	var cd *CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("second Send = %v, want CooldownError", err)
	}
	if cd.Remaining != 7*time.Second || cd.Silent {
		t.Errorf("cooldown = %+v", cd)
	}
	if h.tr.Calls() != 1 {
		t.Errorf("transport calls = %d, want 1", h.tr.Calls())
	}
	warn := h.notes.kinds(NoticeWarning)
	if len(warn) != 1 || warn[0].Text != "Please wait 7s before sending again." {
		t.Errorf("warnings = %+v", warn)
	}
	if got := h.d.CooldownRemaining(); got != 7*time.Second {
		t.Errorf("CooldownRemaining() = %v", got)
	}

	h.now.Advance(7 * time.Second)
	if _, err := h.d.Send(ctx, Request{Recipients: one}); err != nil {
		t.Fatalf("send after cooldown: %v", err)
	}
	if h.tr.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2", h.tr.Calls())
	}
}

func TestAlertSendWithinCooldownIsSilent(t *testing.T) {
	h := newHarness(t, relay.NewFake(nil), nil)
	ctx := context.Background()
	h.d.Send(ctx, Request{Recipients: one})

	a := &Alerter{Dispatcher: h.d, Recipients: func() []string { return one }}
	err := a.Escalate(ctx)
	var cd *CooldownError
	if !errors.As(err, &cd) || !cd.Silent {
		t.Fatalf("Escalate = %v, want silent cooldown", err)
	}
	if h.tr.Calls() != 1 {
		t.Errorf("alert bypassed cooldown: %d calls", h.tr.Calls())
	}
	if len(h.notes.kinds(NoticeWarning)) != 0 {
		t.Error("alert-triggered cooldown should not warn")
	}
}

func TestNoRecipientsRejectedLocally(t *testing.T) {
	h := newHarness(t, relay.NewFake(nil), nil)
	for _, alert := range []bool{false, true} {
		_, err := h.d.Send(context.Background(), Request{Alert: alert})
		if !errors.Is(err, ErrNoRecipients) {
			t.Fatalf("alert=%v: Send = %v, want ErrNoRecipients", alert, err)
		}
	}
	if h.tr.Calls() != 0 {
		t.Errorf("transport calls = %d, want 0", h.tr.Calls())
	}
	errs := h.notes.kinds(NoticeError)
	if len(errs) != 2 || !strings.Contains(errs[0].Text, "recipient") {
		t.Errorf("notices = %+v", errs)
	}
}

func TestCameraNotReady(t *testing.T) {
	h := newHarness(t, relay.NewFake(nil), &capture.Static{})
	_, err := h.d.Send(context.Background(), Request{Recipients: one})
	if !errors.Is(err, capture.ErrNotReady) {
		t.Fatalf("Send = %v, want ErrNotReady", err)
	}
	if h.tr.Calls() != 0 {
		t.Error("transport called without a frame")
	}
}

type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Name() string { return "blocking" }

func (b *blockingTransport) Send(ctx context.Context, _ relay.Message) (*relay.Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return &relay.Result{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestInFlightGuard(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, tr, nil)

	done := make(chan error, 1)
	go func() {
		_, err := h.d.Send(context.Background(), Request{Recipients: one})
		done <- err
	}()
	select {
	case <-tr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first send never reached the transport")
	}

	if _, err := h.d.Send(context.Background(), Request{Recipients: one}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent Send = %v, want ErrInFlight", err)
	}
	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestFailureKeepsCooldownClear(t *testing.T) {
	f := relay.NewFake(&relay.Error{Status: 400, Message: "The template ID is invalid"})
	h := newHarness(t, f, nil)
	ctx := context.Background()

	_, err := h.d.Send(ctx, Request{Recipients: one})
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := UserMessage(err); got != "The template ID is invalid" {
		t.Errorf("UserMessage = %q", got)
	}
	errs := h.notes.kinds(NoticeError)
	if len(errs) != 1 || errs[0].Text != "The template ID is invalid" {
		t.Errorf("notices = %+v", errs)
	}

	f.Err = nil
	if _, err := h.d.Send(ctx, Request{Recipients: one}); err != nil {
		t.Fatalf("immediate retry after failure: %v", err)
	}
	if f.Calls() != 2 {
		t.Errorf("calls = %d, want 2", f.Calls())
	}
}

func TestFanOutSharesPayload(t *testing.T) {
	h := newHarness(t, relay.NewFake(nil), nil)
	to := []string{"a@example.com", "b@example.com", "c@example.com"}
	rep, err := h.d.Send(context.Background(), Request{Recipients: to})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Recipients != 3 || rep.BatchID == "" {
		t.Errorf("report = %+v", rep)
	}
	sent := h.tr.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages", len(sent))
	}
	seen := map[string]bool{}
	for _, m := range sent {
		seen[m.To] = true
		if m.ImageURI != sent[0].ImageURI || !strings.HasPrefix(m.ImageURI, "data:image/jpeg;base64,") {
			t.Errorf("message to %s has a different payload", m.To)
		}
		if m.Params["reason"] != "manual" {
			t.Errorf("reason = %q", m.Params["reason"])
		}
	}
	if len(seen) != 3 {
		t.Errorf("recipients = %v", seen)
	}
	if len(h.notes.kinds(NoticeSent)) != 1 {
		t.Error("expected one sent notice")
	}
}

func TestSentNoticeHidesAndResets(t *testing.T) {
	notes := &noticeLog{}
	now := &fakeNow{t: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.NoticeFor = 50 * time.Millisecond
	d := New(cfg, Options{
		Source:     &capture.Static{Image: image.NewRGBA(image.Rect(0, 0, 32, 32))},
		Compressor: capture.NewCompressor(capture.DefaultOptions(49152)),
		Transport:  relay.NewFake(nil),
		Notifier:   notes,
		Now:        now.Now,
	})
	defer d.Close()

	if _, err := d.Send(context.Background(), Request{Recipients: one}); err != nil {
		t.Fatal(err)
	}
	if d.Notice().Kind != NoticeSent {
		t.Fatalf("notice = %+v", d.Notice())
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.Notice().Kind != NoticeClear {
		if time.Now().After(deadline) {
			t.Fatal("sent notice never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(notes.kinds(NoticeClear)) != 1 {
		t.Errorf("clear notices = %d", len(notes.kinds(NoticeClear)))
	}
}

func TestUserMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&CooldownError{Remaining: 2500 * time.Millisecond}, "Please wait 3s before sending again."},
		{ErrInFlight, "A send is already in progress."},
		{capture.ErrNotReady, "Camera is not ready yet."},
		{errors.New("dial tcp: refused"), "Failed to send the image. Please try again."},
		{&relay.Error{Status: 500}, "Failed to send the image. Please try again."},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !strings.Contains(UserMessage(capture.ErrTooLarge), "too large") {
		t.Error("too-large message")
	}
}
