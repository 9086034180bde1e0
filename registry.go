package gsusb

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the sessions of every connected adapter, indexed in the
// order they were opened.
type Registry struct {
	bus     Bus
	cfg     *Config
	handler *handler

	mu       sync.RWMutex
	sessions []*Session

	periodicMu sync.Mutex
	periodic   *Repeater
}

// ConnectReport summarizes a ConnectAll run.
type ConnectReport struct {
	Opened   int
	Failures []DeviceFailure
}

func NewRegistry(bus Bus, cfg *Config) *Registry {
	return &Registry{
		bus:     bus,
		cfg:     cfg.withDefaults(),
		handler: newHandler(),
	}
}

// Subscribe returns a subscriber for frames with the given identifiers, or
// for every frame when none are given.
func (r *Registry) Subscribe(identifiers ...uint32) *Subscriber {
	sub := newSubscriber(r.handler, identifiers)
	r.handler.registerSubscriber(sub)
	return sub
}

// ListDevices returns the attached devices matching sel.
func (r *Registry) ListDevices(sel Selector) ([]DeviceInfo, error) {
	return r.bus.List(sel)
}

// ConnectAll opens every device matching sel and starts its receive pump.
// Devices that fail to open are skipped and listed in the report. An error is
// returned only when no session could be opened.
func (r *Registry) ConnectAll(sel Selector) (ConnectReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var report ConnectReport
	if len(r.sessions) > 0 {
		return report, ErrAlreadyConnected
	}

	infos, err := r.bus.List(sel)
	if err != nil {
		return report, err
	}
	if len(infos) == 0 {
		return report, fmt.Errorf("%w: vid=%04x pid=%04x", ErrDeviceNotFound, sel.VendorID, sel.ProductID)
	}

	for _, info := range infos {
		idx := len(r.sessions)
		s, err := OpenDevice(r.bus, info, r.sessionConfig(idx))
		if err != nil {
			report.Failures = append(report.Failures, DeviceFailure{Device: info, Err: err})
			r.cfg.OnEvent(Event{Type: EventTypeWarning, Details: fmt.Sprintf("skipping %s: %v", info, err)})
			continue
		}
		if err := s.StartReceive(func(f *Frame) {
			r.handler.deliver(Received{Index: idx, Frame: f})
		}); err != nil {
			err = abandon(s, err)
			report.Failures = append(report.Failures, DeviceFailure{Device: info, Err: err})
			r.cfg.OnEvent(Event{Type: EventTypeWarning, Details: fmt.Sprintf("skipping %s: %v", info, err)})
			continue
		}
		r.sessions = append(r.sessions, s)
	}
	report.Opened = len(r.sessions)
	if report.Opened == 0 {
		return report, fmt.Errorf("%w: %w", ErrDeviceNotFound, &ConnectError{Failures: report.Failures})
	}
	return report, nil
}

// abandon closes a session that could not be registered and reports the
// close error together with err.
func abandon(s *Session, err error) error {
	if cerr := s.Close(); cerr != nil {
		return errors.Join(err, fmt.Errorf("close: %w", cerr))
	}
	return err
}

// sessionConfig tags background errors of session idx before passing them on.
func (r *Registry) sessionConfig(idx int) *Config {
	c := *r.cfg
	onError := r.cfg.OnError
	c.OnError = func(err error) {
		onError(&SessionError{Index: idx, Err: err})
	}
	return &c
}

// DisconnectAll stops the periodic sender and closes every session. A
// failure closing one session does not keep the others open.
func (r *Registry) DisconnectAll() error {
	var errs []error
	if err := r.StopPeriodic(); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	closeErrs := make([]error, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			if err := s.Close(); err != nil {
				closeErrs[i] = &SessionError{Index: i, Err: err}
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(append(errs, closeErrs...)...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the registry.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

func (r *Registry) Session(index int) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.sessions) {
		return nil, fmt.Errorf("%w: %d, have %d", ErrIndexOutOfRange, index, len(r.sessions))
	}
	return r.sessions[index], nil
}

func (r *Registry) connected() ([]*Session, error) {
	sessions := r.Sessions()
	if len(sessions) == 0 {
		return nil, ErrNotConnected
	}
	return sessions, nil
}

// each runs fn on every session and joins the errors tagged by index.
func (r *Registry) each(fn func(*Session) error) error {
	sessions, err := r.connected()
	if err != nil {
		return err
	}
	var errs []error
	for i, s := range sessions {
		if err := fn(s); err != nil {
			errs = append(errs, &SessionError{Index: i, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) ConfigureBitTiming(channel uint8, bt BitTiming) error {
	return r.each(func(s *Session) error { return s.ConfigureBitTiming(channel, bt) })
}

func (r *Registry) ConfigureBitrate(channel uint8, bitrate uint32) error {
	bt, err := PresetBitTiming(bitrate)
	if err != nil {
		return err
	}
	return r.ConfigureBitTiming(channel, bt)
}

func (r *Registry) StartChannel(channel uint8) error {
	return r.each(func(s *Session) error { return s.StartChannel(channel) })
}

func (r *Registry) StopChannel(channel uint8) error {
	return r.each(func(s *Session) error { return s.StopChannel(channel) })
}

// Broadcast sends the frame on every session.
func (r *Registry) Broadcast(channel uint8, canID uint32, data []byte) error {
	f, err := NewFrame(channel, canID, data)
	if err != nil {
		return err
	}
	return r.each(func(s *Session) error { return s.SendFrame(f) })
}

// SendTo sends the frame on the session at index.
func (r *Registry) SendTo(index int, channel uint8, canID uint32, data []byte) error {
	f, err := NewFrame(channel, canID, data)
	if err != nil {
		return err
	}
	s, err := r.Session(index)
	if err != nil {
		return err
	}
	return s.SendFrame(f)
}

// TargetAll addresses every session in StartPeriodic.
const TargetAll = -1

// StartPeriodic repeats a send to target (an index or TargetAll) every
// periodMs milliseconds, replacing any running periodic send.
func (r *Registry) StartPeriodic(periodMs, target int, channel uint8, canID uint32, data []byte) error {
	f, err := NewFrame(channel, canID, data)
	if err != nil {
		return err
	}
	send := func() error { return r.each(func(s *Session) error { return s.SendFrame(f) }) }
	if target != TargetAll {
		s, err := r.Session(target)
		if err != nil {
			return err
		}
		send = func() error { return s.SendFrame(f) }
	}
	rep, err := NewRepeater(periodMs, send, r.cfg.OnError)
	if err != nil {
		return err
	}
	if err := r.StopPeriodic(); err != nil {
		return err
	}
	r.periodicMu.Lock()
	r.periodic = rep
	r.periodicMu.Unlock()
	rep.Start()
	return nil
}

func (r *Registry) PeriodicRunning() bool {
	r.periodicMu.Lock()
	defer r.periodicMu.Unlock()
	return r.periodic != nil && r.periodic.Running()
}

func (r *Registry) StopPeriodic() error {
	r.periodicMu.Lock()
	rep := r.periodic
	r.periodic = nil
	r.periodicMu.Unlock()
	if rep == nil {
		return nil
	}
	if err := rep.Stop(); err != nil {
		// Keep the late repeater so a later stop can wait for it again.
		r.periodicMu.Lock()
		if r.periodic == nil {
			r.periodic = rep
		}
		r.periodicMu.Unlock()
		return err
	}
	return nil
}
