package gsusb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/mod/semver"
)

// Session owns one claimed adapter. It is either open, with both bulk
// endpoints usable, or closed.
type Session struct {
	cfg  *Config
	info DeviceInfo

	// mu guards dev. I/O holds the read lock, Close takes the write lock
	// before releasing the device.
	mu  sync.RWMutex
	dev Device

	// sendMu serializes bulk writes so a repeater and manual sends never
	// interleave partial transfers.
	sendMu sync.Mutex

	stateMu sync.Mutex
	started map[uint8]struct{}
	pump    *pump
	// lingering holds stopped pumps that missed their stop deadline.
	lingering []*pump

	stats stats
}

// Open finds the first device matching sel on bus and opens it.
func Open(bus Bus, sel Selector, cfg *Config) (*Session, error) {
	infos, err := bus.List(sel)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: vid=%04x pid=%04x", ErrDeviceNotFound, sel.VendorID, sel.ProductID)
	}
	return OpenDevice(bus, infos[0], cfg)
}

// OpenDevice claims the device described by info.
func OpenDevice(bus Bus, info DeviceInfo, cfg *Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := checkFirmware(info, cfg.MinimumFirmwareVersion); err != nil {
		return nil, err
	}
	dev, err := bus.Open(info, cfg.ControlTimeout)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		info:    dev.Info(),
		dev:     dev,
		started: make(map[uint8]struct{}),
	}
	if err := s.HostFormat(); err != nil {
		s.warn(fmt.Sprintf("%s: host format not accepted: %v", s.info, err))
	}
	s.debug(fmt.Sprintf("%s: opened", s.info))
	return s, nil
}

func checkFirmware(info DeviceInfo, minimum string) error {
	if minimum == "" {
		return nil
	}
	want := canonicalVersion(minimum)
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid minimum firmware version %q", minimum)
	}
	have := canonicalVersion(info.Version)
	if !semver.IsValid(have) {
		return fmt.Errorf("%w: %s reports unparsable version %q", ErrFirmwareTooOld, info, info.Version)
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", ErrFirmwareTooOld, info, have, want)
	}
	return nil
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func (s *Session) Info() DeviceInfo {
	return s.info
}

// IsOpen reports whether the device is still held by the session.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev != nil
}

func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

// Close stops the receive pump and releases the device. Channels started
// through this session are reset first. Calling Close again is a no-op.
func (s *Session) Close() error {
	// Taking the write lock waits out in-flight transfers and makes every
	// later call fail with ErrSessionClosed.
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()

	stopErr := s.StopReceive()
	if dev == nil {
		return stopErr
	}

	s.stateMu.Lock()
	started := s.started
	s.started = make(map[uint8]struct{})
	lingering := s.lingering
	s.lingering = nil
	s.stateMu.Unlock()

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	for ch := range started {
		if err := writeMode(dev, s.info.Interface, ch, modeReset); err != nil {
			errs = append(errs, fmt.Errorf("reset channel %d: %w", ch, err))
		}
	}

	if len(lingering) > 0 {
		// Late pumps may still be reading from dev, release once they are gone.
		go func() {
			for _, p := range lingering {
				<-p.done
			}
			dev.Close()
		}()
		return errors.Join(errs...)
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release %s: %w", s.info, err))
	}
	s.debug(fmt.Sprintf("%s: closed", s.info))
	return errors.Join(errs...)
}

func (s *Session) device() (Device, error) {
	if s.dev == nil {
		return nil, ErrSessionClosed
	}
	return s.dev, nil
}

// ============
// Control plane
// ============

func (s *Session) control(request uint8, val uint16, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, err := s.device()
	if err != nil {
		return err
	}
	return controlOutRequest(dev, request, val, uint16(s.info.Interface), data)
}

func controlOutRequest(dev Device, request uint8, val, idx uint16, data []byte) error {
	n, err := dev.Control(controlOut, request, val, idx, data)
	if err != nil {
		return fmt.Errorf("%w: request %d value %d: %w", ErrDeviceCommandFailed, request, val, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: request %d value %d: wrote %d of %d bytes", ErrDeviceCommandFailed, request, val, n, len(data))
	}
	return nil
}

func (s *Session) controlIn(request uint8, val uint16, size int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, err := s.device()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := dev.Control(controlIn, request, val, uint16(s.info.Interface), buf)
	if err != nil {
		return nil, fmt.Errorf("%w: request %d value %d: %w", ErrDeviceCommandFailed, request, val, err)
	}
	return buf[:n], nil
}

// HostFormat tells the adapter the host is little-endian.
func (s *Session) HostFormat() error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, hostFormatMagic)
	return s.control(requestHostFormat, 1, data)
}

// ConfigureBitTiming sets the bit timing of channel. The channel must be
// stopped for the adapter to apply it.
func (s *Session) ConfigureBitTiming(channel uint8, bt BitTiming) error {
	if err := s.control(requestBitTiming, uint16(channel), bt.Bytes()); err != nil {
		return err
	}
	s.debug(fmt.Sprintf("%s: channel %d bit timing %s", s.info, channel, bt))
	return nil
}

// ConfigureBitrate is ConfigureBitTiming with a preset bitrate.
func (s *Session) ConfigureBitrate(channel uint8, bitrate uint32) error {
	bt, err := PresetBitTiming(bitrate)
	if err != nil {
		return err
	}
	return s.ConfigureBitTiming(channel, bt)
}

func (s *Session) StartChannel(channel uint8) error {
	if err := s.mode(channel, modeStart); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.started[channel] = struct{}{}
	s.stateMu.Unlock()
	return nil
}

func (s *Session) StopChannel(channel uint8) error {
	if err := s.mode(channel, modeReset); err != nil {
		return err
	}
	s.stateMu.Lock()
	delete(s.started, channel)
	s.stateMu.Unlock()
	return nil
}

func (s *Session) mode(channel uint8, mode uint32) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, err := s.device()
	if err != nil {
		return err
	}
	return writeMode(dev, s.info.Interface, channel, mode)
}

func writeMode(dev Device, iface int, channel uint8, mode uint32) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, mode)
	return controlOutRequest(dev, requestMode, uint16(channel), uint16(iface), data)
}

func (s *Session) DeviceConfig() (DeviceConfig, error) {
	b, err := s.controlIn(requestDeviceConfig, 1, deviceConfigSize)
	if err != nil {
		return DeviceConfig{}, err
	}
	return parseDeviceConfig(b)
}

func (s *Session) BitTimingConst(channel uint8) (BitTimingConst, error) {
	b, err := s.controlIn(requestBTConst, uint16(channel), bitTimingConstSize)
	if err != nil {
		return BitTimingConst{}, err
	}
	return parseBitTimingConst(b)
}

// ==========
// Data plane
// ==========

// Send writes a frame with data to canID on channel.
func (s *Session) Send(channel uint8, canID uint32, data []byte) error {
	f, err := NewFrame(channel, canID, data)
	if err != nil {
		return err
	}
	return s.SendFrame(f)
}

// SendFrame encodes f and writes it to the bulk OUT endpoint.
func (s *Session) SendFrame(f *Frame) error {
	if f.DLC > MaxDataLength {
		return fmt.Errorf("%w: dlc %d", ErrPayloadTooLarge, f.DLC)
	}
	buf := f.Bytes()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, err := s.device()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	n, err := dev.WriteContext(ctx, buf)
	if err != nil {
		s.stats.addTxError()
		if ctx.Err() == context.DeadlineExceeded || IsTimeout(err) {
			return fmt.Errorf("%w: %w", ErrTransferFailed, &TimeoutError{Op: "bulk write", Timeout: s.cfg.WriteTimeout.Milliseconds()})
		}
		return fmt.Errorf("%w: bulk write: %w", ErrTransferFailed, err)
	}
	if n != len(buf) {
		s.stats.addTxError()
		return fmt.Errorf("%w: sent %d bytes of data out of %d", ErrTransferFailed, n, len(buf))
	}
	s.stats.addTx()
	return nil
}

// ==============
// Event helpers
// ==============

func (s *Session) event(t EventType, details string) {
	if t == EventTypeDebug && !s.cfg.Debug {
		return
	}
	s.cfg.OnEvent(Event{Type: t, Details: details})
}

func (s *Session) warn(msg string)  { s.event(EventTypeWarning, msg) }
func (s *Session) debug(msg string) { s.event(EventTypeDebug, msg) }

// fatal reports an error that ended a background worker.
func (s *Session) fatal(err error) {
	s.cfg.OnError(err)
}
