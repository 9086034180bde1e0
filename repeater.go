package gsusb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Repeater calls a send function at a fixed period until stopped.
type Repeater struct {
	period  time.Duration
	send    func() error
	onError func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// RepeaterStopTimeout bounds how long Stop waits for an in-flight send.
const RepeaterStopTimeout = time.Second

// NewRepeater returns a stopped repeater. periodMs must be positive. A send
// error ends the repeater and is passed to onError.
func NewRepeater(periodMs int, send func() error, onError func(error)) (*Repeater, error) {
	if periodMs <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriod, periodMs)
	}
	if onError == nil {
		onError = func(err error) {
			logCaller(2, fmt.Sprintf("repeater: %v", err))
		}
	}
	return &Repeater{
		period:  time.Duration(periodMs) * time.Millisecond,
		send:    send,
		onError: onError,
	}, nil
}

func (r *Repeater) Period() time.Duration {
	return r.period
}

// Start sends once immediately and then every period. Starting a running
// repeater is a no-op, and so is starting one whose last Stop timed out
// until its in-flight send returns.
func (r *Repeater) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

func (r *Repeater) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop prevents any further send and waits up to RepeaterStopTimeout for a
// send already in flight to return. After a timeout the repeater keeps
// reporting Running until that send returns.
func (r *Repeater) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	t := time.NewTimer(RepeaterStopTimeout)
	defer t.Stop()
	select {
	case <-done:
		r.mu.Lock()
		if r.done == done {
			r.done = nil
		}
		r.mu.Unlock()
		return nil
	case <-t.C:
		return fmt.Errorf("%w: repeater still sending after %s", ErrStopTimeout, RepeaterStopTimeout)
	}
}

func (r *Repeater) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.period)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.send(); err != nil {
			if ctx.Err() == nil {
				r.onError(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
