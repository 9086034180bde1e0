package gsusb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// SubscriberBuffer is the channel capacity of a Subscriber.
const SubscriberBuffer = 1024

var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber receives tagged frames from every session of a Registry.
type Subscriber struct {
	h            *handler
	identifiers  map[uint32]struct{}
	responseChan chan Received
	dropped      atomic.Uint64
	closeOnce    sync.Once
}

func newSubscriber(h *handler, ids []uint32) *Subscriber {
	sub := &Subscriber{
		h:            h,
		identifiers:  make(map[uint32]struct{}, len(ids)),
		responseChan: make(chan Received, SubscriberBuffer),
	}
	for _, id := range ids {
		sub.identifiers[id] = struct{}{}
	}
	return sub
}

func (s *Subscriber) offer(r Received) {
	select {
	case s.responseChan <- r:
	default:
		s.dropped.Add(1)
	}
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.h.unregisterSubscriber(s)
	})
}

func (s *Subscriber) Chan() <-chan Received {
	return s.responseChan
}

// Dropped is the number of frames lost because the channel was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Wait returns the next frame or the context error.
func (s *Subscriber) Wait(ctx context.Context) (Received, error) {
	select {
	case <-ctx.Done():
		return Received{}, fmt.Errorf("timeout: %w", ctx.Err())
	case r, ok := <-s.responseChan:
		if !ok {
			return Received{}, ErrSubscriberClosed
		}
		return r, nil
	}
}
