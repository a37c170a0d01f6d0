package relay

import (
	"context"
	"sync"
	"time"
)

// Fake records every message instead of sending it.
type Fake struct {
	Err   error
	Delay time.Duration

	mu   sync.Mutex
	sent []Message
}

func NewFake(err error) *Fake {
	return &Fake{Err: err}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Send(ctx context.Context, msg Message) (*Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return &Result{Metrics: &NetworkMetrics{Total: f.Delay}}, nil
}

func (f *Fake) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
