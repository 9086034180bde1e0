package gsusb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// pump is the lifecycle handle of one receive loop.
type pump struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

func (p *pump) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StartReceive starts the receive pump. cb is called from the pump goroutine
// for every decoded frame, in the order the transfers were read. It must not
// block and must not stop the pump itself. A pump that ended on an I/O
// error may be started again, but not while a stopped pump that missed its
// stop deadline is still reading.
func (s *Session) StartReceive(cb func(*Frame)) error {
	if cb == nil {
		return errors.New("nil receive callback")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, err := s.device()
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.pump != nil && !s.pump.exited() {
		return ErrReceiveRunning
	}
	s.pruneLingering()
	if len(s.lingering) > 0 {
		return fmt.Errorf("%w: stopped pump has not exited yet", ErrReceiveRunning)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{cancel: cancel, done: make(chan struct{})}
	s.pump = p
	go s.recvLoop(ctx, p, dev, cb)
	return nil
}

// IsReceiving reports whether the pump goroutine is alive.
func (s *Session) IsReceiving() bool {
	s.stateMu.Lock()
	p := s.pump
	s.stateMu.Unlock()
	return p != nil && !p.exited()
}

// StopReceive stops the pump and waits up to Config.StopTimeout for it to
// exit. Once it returns no further callback is started, even when the wait
// timed out. Stopping a stopped pump is a no-op.
func (s *Session) StopReceive() error {
	s.stateMu.Lock()
	p := s.pump
	s.pump = nil
	s.stateMu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.stop(s.cfg.StopTimeout); err != nil {
		s.stateMu.Lock()
		s.lingering = append(s.lingering, p)
		s.stateMu.Unlock()
		return fmt.Errorf("%s: %w", s.info, err)
	}
	return nil
}

// pruneLingering forgets pumps that have exited. stateMu must be held.
func (s *Session) pruneLingering() {
	alive := s.lingering[:0]
	for _, p := range s.lingering {
		if !p.exited() {
			alive = append(alive, p)
		}
	}
	clear(s.lingering[len(alive):])
	s.lingering = alive
}

// stop marks the pump stopped, then waits at most timeout for it to exit.
func (p *pump) stop(timeout time.Duration) error {
	p.stopped.Store(true)
	p.cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: receive pump still running after %s", ErrStopTimeout, timeout)
	}
}

func (p *pump) deliver(cb func(*Frame), f *Frame) bool {
	if p.stopped.Load() {
		return false
	}
	cb(f)
	return true
}

func (s *Session) recvLoop(ctx context.Context, p *pump, dev Device, cb func(*Frame)) {
	defer close(p.done)
	if s.cfg.Debug {
		defer s.debug(fmt.Sprintf("%s: receive pump exited", s.info))
	}

	detect := s.cfg.HeaderOffset == HeaderOffsetAuto
	codec := Codec{Offset: s.cfg.HeaderOffset}
	var warned bool
	if detect {
		codec.Offset = HeaderSize
	}

	buf := make([]byte, ReadSize)
	for {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		n, err := dev.ReadContext(rctx, buf)
		idle := rctx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if idle || IsTimeout(err) {
				continue
			}
			s.stats.addRxError()
			s.fatal(Unrecoverable(fmt.Errorf("%w: %s: bulk read: %w", ErrTransferFailed, s.info, err)))
			return
		}
		if n == 0 {
			continue
		}

		if detect {
			off, err := DetectHeaderOffset(buf[:n])
			switch {
			case err == nil:
				codec.Offset = off
				detect = false
				s.event(EventTypeInfo, fmt.Sprintf("%s: payload offset %d", s.info, off))
			case errors.Is(err, ErrOffsetAmbiguous) && !warned:
				warned = true
				s.warn(fmt.Sprintf("%s: %v, decoding with offset %d until a transfer settles it", s.info, err, codec.Offset))
			}
		}

		f, err := codec.Decode(buf[:n])
		if err != nil {
			if !errors.Is(err, ErrFrameTruncated) {
				s.stats.addMalformed()
				s.warn(fmt.Sprintf("%s: dropping frame: %v", s.info, err))
				continue
			}
			s.stats.addTruncated()
			s.debug(fmt.Sprintf("%s: %v", s.info, err))
		}
		if p.deliver(cb, f) {
			s.stats.addRx()
		}
	}
}
