// Package dispatch delivers one captured image to every recipient as a single
// rate-limited batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clapguard/capture"
	"clapguard/log"
	"clapguard/relay"
)

var (
	ErrNoRecipients = errors.New("no recipients")
	ErrInFlight     = errors.New("a send is already in progress")
)

// CooldownError rejects a send that starts too soon after the last success.
// Silent marks alert-triggered sends whose warning is not shown.
type CooldownError struct {
	Remaining time.Duration
	Silent    bool
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown: %s remaining", e.Remaining.Round(time.Millisecond))
}

type NoticeKind int

const (
	NoticeClear NoticeKind = iota
	NoticeSending
	NoticeSent
	NoticeWarning
	NoticeError
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeSending:
		return "sending"
	case NoticeSent:
		return "sent"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "clear"
	}
}

type Notice struct {
	Kind NoticeKind
	Text string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type Config struct {
	Cooldown    time.Duration
	NoticeFor   time.Duration
	Timeout     time.Duration
	Subject     string
	ExtraParams map[string]string
}

func DefaultConfig() Config {
	return Config{
		Cooldown:  10 * time.Second,
		NoticeFor: 3 * time.Second,
		Timeout:   30 * time.Second,
		Subject:   "Clap alert",
	}
}

type Request struct {
	Recipients []string
	Alert      bool
	Reason     string
}

type Report struct {
	BatchID    string
	Recipients int
	Payload    capture.Payload
	Duration   time.Duration
}

type Options struct {
	Source     capture.Source
	Compressor *capture.Compressor
	Transport  relay.Transport
	Notifier   Notifier
	Now        func() time.Time
}

type Dispatcher struct {
	cfg  Config
	opts Options

	mu        sync.Mutex
	lastSend  time.Time
	inFlight  bool
	noticeSeq uint64
	notice    Notice
	hideTimer *time.Timer
	sends     int
}

func New(cfg Config, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{cfg: cfg, opts: opts}
}

// Send captures, compresses and delivers one image to every recipient. The
// checks run in order: cooldown, recipients, camera readiness, in-flight.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Report, error) {
	start := d.opts.Now()

	d.mu.Lock()
	if !d.lastSend.IsZero() {
		if elapsed := start.Sub(d.lastSend); elapsed < d.cfg.Cooldown {
			d.mu.Unlock()
			err := &CooldownError{Remaining: d.cfg.Cooldown - elapsed, Silent: req.Alert}
			if !err.Silent {
				d.show(Notice{Kind: NoticeWarning, Text: UserMessage(err)})
			}
			log.Infof("send rejected: %v (alert=%v)", err, req.Alert)
			return nil, err
		}
	}
	if len(req.Recipients) == 0 {
		d.mu.Unlock()
		return nil, d.reject(ErrNoRecipients)
	}
	if w, h := d.sourceDims(); w <= 0 || h <= 0 {
		d.mu.Unlock()
		return nil, d.reject(capture.ErrNotReady)
	}
	if d.inFlight {
		d.mu.Unlock()
		return nil, d.reject(ErrInFlight)
	}
	d.inFlight = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	d.show(Notice{Kind: NoticeSending, Text: fmt.Sprintf("Sending to %d recipient(s)...", len(req.Recipients))})

	payload, err := d.opts.Compressor.Capture(ctx, d.opts.Source)
	if err != nil {
		d.show(Notice{Kind: NoticeError, Text: UserMessage(err)})
		log.Errorf("capture failed: %v", err)
		return nil, err
	}

	batch := uuid.NewString()
	uri := payload.DataURI()
	params := d.params(req, start)

	var metricsMu sync.Mutex
	var slowest *relay.NetworkMetrics
	g, gctx := errgroup.WithContext(ctx)
	for _, to := range req.Recipients {
		g.Go(func() error {
			res, err := d.opts.Transport.Send(gctx, relay.Message{To: to, ImageURI: uri, Params: params})
			if err != nil {
				return fmt.Errorf("send to %s: %w", to, err)
			}
			if res != nil && res.Metrics != nil {
				metricsMu.Lock()
				if slowest == nil || res.Metrics.Total > slowest.Total {
					slowest = res.Metrics
				}
				metricsMu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	dm := log.DeliveryMetrics{
		BatchID:    batch,
		Recipients: len(req.Recipients),
		Alert:      req.Alert,
		PayloadKB:  math.Round(float64(payload.Size())/1024*10) / 10,
		TotalMs:    float64(time.Since(start).Microseconds()) / 1000,
		Err:        err,
	}
	if slowest != nil {
		dm.DNSMs = float64(slowest.DNS.Microseconds()) / 1000
		dm.TLSMs = float64(slowest.TLS.Microseconds()) / 1000
		dm.TTFBMs = float64(slowest.TTFB.Microseconds()) / 1000
		dm.ConnReused = slowest.ConnReused
	}
	log.Delivery(dm)

	if err != nil {
		d.show(Notice{Kind: NoticeError, Text: UserMessage(err)})
		log.AlertLine(fmt.Sprintf("batch %s failed: %v", batch, err))
		return nil, err
	}

	d.mu.Lock()
	d.lastSend = start
	d.sends++
	d.mu.Unlock()

	d.show(Notice{Kind: NoticeSent, Text: fmt.Sprintf("Sent to %d recipient(s).", len(req.Recipients))})
	log.AlertLine(fmt.Sprintf("batch %s sent to %d recipient(s) (%dx%d q%.2f, %d bytes)",
		batch, len(req.Recipients), payload.Width, payload.Height, payload.Quality, payload.Size()))

	return &Report{
		BatchID:    batch,
		Recipients: len(req.Recipients),
		Payload:    payload,
		Duration:   time.Since(start),
	}, nil
}

func (d *Dispatcher) sourceDims() (int, int) {
	if d.opts.Source == nil {
		return 0, 0
	}
	return d.opts.Source.Dimensions()
}

func (d *Dispatcher) reject(err error) error {
	d.show(Notice{Kind: NoticeError, Text: UserMessage(err)})
	log.Infof("send rejected: %v", err)
	return err
}

func (d *Dispatcher) params(req Request, at time.Time) map[string]string {
	p := make(map[string]string, len(d.cfg.ExtraParams)+3)
	for k, v := range d.cfg.ExtraParams {
		p[k] = v
	}
	p["subject"] = d.cfg.Subject
	p["sent_at"] = at.Format(time.RFC1123)
	reason := req.Reason
	if reason == "" {
		reason = "manual"
		if req.Alert {
			reason = "alert"
		}
	}
	p["reason"] = reason
	return p
}

// show publishes a notice and arms the single hide timer, replacing any
// timer left from an earlier notice.
func (d *Dispatcher) show(n Notice) {
	d.mu.Lock()
	d.noticeSeq++
	seq := d.noticeSeq
	d.notice = n
	if d.hideTimer != nil {
		d.hideTimer.Stop()
		d.hideTimer = nil
	}
	if d.cfg.NoticeFor > 0 && n.Kind != NoticeSending {
		d.hideTimer = time.AfterFunc(d.cfg.NoticeFor, func() { d.hide(seq) })
	}
	d.mu.Unlock()

	if d.opts.Notifier != nil {
		d.opts.Notifier.Notify(n)
	}
}

func (d *Dispatcher) hide(seq uint64) {
	d.mu.Lock()
	if seq != d.noticeSeq {
		d.mu.Unlock()
		return
	}
	d.notice = Notice{}
	d.hideTimer = nil
	d.mu.Unlock()

	if d.opts.Notifier != nil {
		d.opts.Notifier.Notify(Notice{Kind: NoticeClear})
	}
}

// Notice returns the notice currently on display.
func (d *Dispatcher) Notice() Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notice
}

func (d *Dispatcher) Sends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}

// CooldownRemaining reports how long until the next send may start.
func (d *Dispatcher) CooldownRemaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSend.IsZero() {
		return 0
	}
	if r := d.cfg.Cooldown - d.opts.Now().Sub(d.lastSend); r > 0 {
		return r
	}
	return 0
}

// Close stops the notice timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hideTimer != nil {
		d.hideTimer.Stop()
		d.hideTimer = nil
	}
}

// Alerter adapts the dispatcher to the escalation controller: every alert
// attempts one send to the current recipients.
type Alerter struct {
	Dispatcher *Dispatcher
	Recipients func() []string
}

func (a *Alerter) Escalate(ctx context.Context) error {
	_, err := a.Dispatcher.Send(ctx, Request{Recipients: a.Recipients(), Alert: true, Reason: "alert"})
	return err
}

// UserMessage turns a send failure into the text shown to the user.
func UserMessage(err error) string {
	var cd *CooldownError
	var rerr *relay.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cd):
		return fmt.Sprintf("Please wait %ds before sending again.", int(math.Ceil(cd.Remaining.Seconds())))
	case errors.Is(err, ErrNoRecipients):
		return "Add at least one recipient before sending."
	case errors.Is(err, capture.ErrNotReady):
		return "Camera is not ready yet."
	case errors.Is(err, ErrInFlight):
		return "A send is already in progress."
	case errors.Is(err, capture.ErrTooLarge):
		return "Image is too large to send even after compression. Lower the camera resolution."
	case errors.As(err, &rerr) && rerr.Message != "":
		return rerr.Message
	default:
		return "Failed to send the image. Please try again."
	}
}
