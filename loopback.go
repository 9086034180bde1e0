package gsusb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	errLoopbackBusy   = errors.New("loopback device already open")
	errLoopbackClosed = errors.New("loopback device closed")
)

// LoopbackBus is an in-memory bus of simulated adapters for tests and for
// running the tools without hardware. Each device answers the control
// requests like the firmware does and echoes written frames back on its bulk
// IN pipe.
type LoopbackBus struct {
	mu      sync.Mutex
	devices []*LoopbackDevice
}

// NewLoopbackBus creates a bus with n single channel devices.
func NewLoopbackBus(n int) *LoopbackBus {
	b := &LoopbackBus{}
	for i := 0; i < n; i++ {
		b.Add(DeviceInfo{})
	}
	return b
}

// Add attaches a device. Zero fields of info get the next free address, the
// gs_usb ids and a generated serial number.
func (b *LoopbackBus) Add(info DeviceInfo) *LoopbackDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.devices)
	if info.Address == 0 {
		info.Address = n + 1
	}
	if info.Vendor == 0 && info.Product == 0 {
		info.Vendor, info.Product = VendorID, ProductID
	}
	if info.Serial == "" {
		info.Serial = fmt.Sprintf("LB%04d", n)
	}
	if info.Version == "" {
		info.Version = "1.0"
	}
	if info.Description == "" {
		info.Description = "loopback gs_usb adapter"
	}
	d := &LoopbackDevice{
		info:    info,
		Echo:    true,
		Config:  DeviceConfig{Channels: 1, SoftwareVersion: 2, HardwareVersion: 1},
		Const:   loopbackConst,
		timings: make(map[uint8]BitTiming),
		started: make(map[uint8]bool),
	}
	b.devices = append(b.devices, d)
	return d
}

// Device returns the i'th attached device.
func (b *LoopbackBus) Device(i int) *LoopbackDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[i]
}

func (b *LoopbackBus) List(sel Selector) ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []DeviceInfo
	for _, d := range b.devices {
		if sel.Match(d.info) {
			out = append(out, d.info)
		}
	}
	return out, nil
}

func (b *LoopbackBus) Open(info DeviceInfo, controlTimeout time.Duration) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.info.Bus == info.Bus && d.info.Address == info.Address {
			if err := d.open(controlTimeout); err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, info)
}

func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	devices := b.devices
	b.mu.Unlock()
	for _, d := range devices {
		d.Close()
	}
	return nil
}

var loopbackConst = BitTimingConst{
	Clock:    DefaultClock,
	Tseg1Min: 1, Tseg1Max: 32,
	Tseg2Min: 1, Tseg2Max: 16,
	SJWMax: 4,
	BRPMin: 1, BRPMax: 1024, BRPInc: 1,
}

// ControlRequest is a control transfer seen by a LoopbackDevice.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// LoopbackDevice simulates one adapter.
type LoopbackDevice struct {
	info DeviceInfo

	// Echo reflects every written frame back as an echo frame.
	Echo bool
	// OpenErr makes opening the device fail.
	OpenErr error
	// ControlErr makes every control transfer fail.
	ControlErr error
	// WriteErr makes every bulk write fail.
	WriteErr error
	// BlockWrites holds bulk writes until their context expires.
	BlockWrites bool
	Config      DeviceConfig
	Const       BitTimingConst

	mu             sync.Mutex
	isOpen         bool
	controlTimeout time.Duration
	rx             chan []byte
	readErr        chan error
	closed         chan struct{}
	echoID         uint32
	controls       []ControlRequest
	writes         [][]byte
	timings        map[uint8]BitTiming
	started        map[uint8]bool
}

func (d *LoopbackDevice) open(controlTimeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	if d.isOpen {
		return fmt.Errorf("%w: %s", errLoopbackBusy, d.info)
	}
	d.isOpen = true
	d.controlTimeout = controlTimeout
	d.rx = make(chan []byte, 256)
	d.readErr = make(chan error, 1)
	d.closed = make(chan struct{})
	return nil
}

func (d *LoopbackDevice) Info() DeviceInfo {
	return d.info
}

func (d *LoopbackDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isOpen {
		return 0, errLoopbackClosed
	}
	req := ControlRequest{RequestType: rType, Request: request, Value: val, Index: idx}
	if rType == controlOut {
		req.Data = append([]byte(nil), data...)
	}
	d.controls = append(d.controls, req)
	if d.ControlErr != nil {
		return 0, d.ControlErr
	}

	switch {
	case rType == controlOut && request == requestHostFormat:
		return len(data), nil
	case rType == controlOut && request == requestBitTiming:
		if len(data) < 20 {
			return 0, fmt.Errorf("bittiming: %d bytes", len(data))
		}
		var v [5]uint32
		for i := range v {
			v[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		d.timings[uint8(val)] = BitTiming{PropSeg: v[0], PhaseSeg1: v[1], PhaseSeg2: v[2], SJW: v[3], BRP: v[4]}
		return len(data), nil
	case rType == controlOut && request == requestMode:
		if len(data) < 8 {
			return 0, fmt.Errorf("mode: %d bytes", len(data))
		}
		d.started[uint8(val)] = binary.LittleEndian.Uint32(data) == modeStart
		return len(data), nil
	case rType == controlIn && request == requestBTConst:
		return copy(data, d.Const.bytes()), nil
	case rType == controlIn && request == requestDeviceConfig:
		return copy(data, d.Config.bytes()), nil
	}
	return 0, fmt.Errorf("unsupported request %#02x/%d", rType, request)
}

func (d *LoopbackDevice) ReadContext(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	rx, readErr, closed := d.rx, d.readErr, d.closed
	d.mu.Unlock()
	if rx == nil {
		return 0, errLoopbackClosed
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-closed:
		return 0, errLoopbackClosed
	case err := <-readErr:
		return 0, err
	case b := <-rx:
		return copy(buf, b), nil
	}
}

func (d *LoopbackDevice) WriteContext(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	if !d.isOpen {
		d.mu.Unlock()
		return 0, errLoopbackClosed
	}
	if d.WriteErr != nil {
		d.mu.Unlock()
		return 0, d.WriteErr
	}
	if d.BlockWrites {
		d.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	d.writes = append(d.writes, append([]byte(nil), buf...))
	var echo []byte
	if d.Echo && len(buf) >= HeaderSize {
		echo = append([]byte(nil), buf...)
		binary.LittleEndian.PutUint32(echo, d.echoID)
		d.echoID++
	}
	rx := d.rx
	d.mu.Unlock()

	if echo != nil {
		select {
		case rx <- echo:
		default:
		}
	}
	return len(buf), nil
}

// Inject queues raw as the next bulk IN transfer.
func (d *LoopbackDevice) Inject(raw []byte) error {
	d.mu.Lock()
	rx := d.rx
	open := d.isOpen
	d.mu.Unlock()
	if !open {
		return errLoopbackClosed
	}
	select {
	case rx <- append([]byte(nil), raw...):
		return nil
	default:
		return fmt.Errorf("%s: receive queue full", d.info)
	}
}

// InjectFrame queues f as received from the bus.
func (d *LoopbackDevice) InjectFrame(f *Frame) error {
	return d.Inject(f.Bytes())
}

// FailRead makes the next pending bulk read return err.
func (d *LoopbackDevice) FailRead(err error) {
	d.mu.Lock()
	readErr := d.readErr
	d.mu.Unlock()
	if readErr == nil {
		return
	}
	select {
	case readErr <- err:
	default:
	}
}

func (d *LoopbackDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isOpen
}

// ControlTimeout returns the control transfer timeout the device was last
// opened with.
func (d *LoopbackDevice) ControlTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlTimeout
}

func (d *LoopbackDevice) Started(channel uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started[channel]
}

func (d *LoopbackDevice) BitTiming(channel uint8) (BitTiming, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bt, ok := d.timings[channel]
	return bt, ok
}

// Writes returns a copy of every bulk OUT transfer so far.
func (d *LoopbackDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

// Controls returns a copy of every control transfer so far.
func (d *LoopbackDevice) Controls() []ControlRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ControlRequest, len(d.controls))
	copy(out, d.controls)
	return out
}

// Close releases the device so it can be opened again.
func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isOpen {
		return nil
	}
	d.isOpen = false
	close(d.closed)
	return nil
}
