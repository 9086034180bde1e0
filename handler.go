package gsusb

import (
	"sync"
)

// Received is a frame tagged with the registry index of the session that
// read it.
type Received struct {
	Index int
	Frame *Frame
}

// handler takes care of fanning out incoming frames to any subs
type handler struct {
	submap     map[uint32]map[*Subscriber]struct{}
	globalSubs []*Subscriber

	mu sync.RWMutex
}

func newHandler() *handler {
	return &handler{
		submap:     make(map[uint32]map[*Subscriber]struct{}),
		globalSubs: make([]*Subscriber, 0, 8),
	}
}

func (h *handler) registerSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(sub.identifiers) == 0 {
		h.globalSubs = append(h.globalSubs, sub)
		return
	}
	for id := range sub.identifiers {
		if _, ok := h.submap[id]; !ok {
			h.submap[id] = make(map[*Subscriber]struct{})
		}
		h.submap[id][sub] = struct{}{}
	}
}

func (h *handler) unregisterSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(sub.identifiers) == 0 {
		for i, s := range h.globalSubs {
			if s == sub {
				h.globalSubs = append(h.globalSubs[:i], h.globalSubs[i+1:]...)
				break
			}
		}
		close(sub.responseChan)
		return
	}
	for id := range sub.identifiers {
		if subs, ok := h.submap[id]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.submap, id)
			}
		}
	}
	close(sub.responseChan)
}

// deliver never blocks, a full subscriber channel drops the frame.
//
// NOTE: We send while holding RLock on h.mu. unregisterSubscriber acquires the write lock
// and closes sub.responseChan. Holding RLock guarantees the channel won't be closed
// mid-send, avoiding send-on-closed-channel panics.
func (h *handler) deliver(r Received) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.globalSubs {
		sub.offer(r)
	}
	if subs, ok := h.submap[r.Frame.CanID]; ok {
		for sub := range subs {
			sub.offer(r)
		}
	}
}
