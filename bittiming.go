package gsusb

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// BitTiming is the segment configuration sent with the BITTIMING request.
// One bit lasts 1+PropSeg+PhaseSeg1+PhaseSeg2 time quanta of BRP clock cycles.
type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

// DefaultClock is the CAN core clock implied by the firmware's 1 Mbps
// timing: 4 * (1+15+15+16) * 1 MHz.
const DefaultClock uint32 = 188_000_000

// Timing1M is the reference 1 Mbps configuration, the other presets keep its
// segments and scale BRP.
var Timing1M = BitTiming{PropSeg: 15, PhaseSeg1: 15, PhaseSeg2: 16, SJW: 1, BRP: 4}

var PresetBitrates = []uint32{125000, 250000, 500000, 1000000}

// TimeQuanta returns the number of quanta per bit including the sync segment.
func (bt BitTiming) TimeQuanta() uint32 {
	return 1 + bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2
}

// Bitrate returns the resulting bitrate for the given core clock.
func (bt BitTiming) Bitrate(clock uint32) uint32 {
	div := bt.BRP * bt.TimeQuanta()
	if div == 0 {
		return 0
	}
	return clock / div
}

// SamplePoint returns the sample point as a fraction of the bit time.
func (bt BitTiming) SamplePoint() float64 {
	tq := bt.TimeQuanta()
	return float64(tq-bt.PhaseSeg2) / float64(tq)
}

// Bytes packs the five fields as little-endian uint32s.
func (bt BitTiming) Bytes() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:], bt.PropSeg)
	binary.LittleEndian.PutUint32(buf[4:], bt.PhaseSeg1)
	binary.LittleEndian.PutUint32(buf[8:], bt.PhaseSeg2)
	binary.LittleEndian.PutUint32(buf[12:], bt.SJW)
	binary.LittleEndian.PutUint32(buf[16:], bt.BRP)
	return buf
}

func (bt BitTiming) String() string {
	return fmt.Sprintf("prop_seg=%d phase_seg1=%d phase_seg2=%d sjw=%d brp=%d", bt.PropSeg, bt.PhaseSeg1, bt.PhaseSeg2, bt.SJW, bt.BRP)
}

// CalcBitTiming keeps the segments of base and derives the prescaler that
// yields bitrate exactly from clock.
func CalcBitTiming(clock, bitrate uint32, base BitTiming) (BitTiming, error) {
	tq := base.TimeQuanta()
	if bitrate == 0 || tq == 0 {
		return BitTiming{}, fmt.Errorf("%w: %d", ErrInvalidBitrate, bitrate)
	}
	perBit := uint64(bitrate) * uint64(tq)
	if uint64(clock)%perBit != 0 {
		return BitTiming{}, fmt.Errorf("%w: %d bps is not reachable from %d Hz with %d quanta", ErrInvalidBitrate, bitrate, clock, tq)
	}
	out := base
	out.BRP = uint32(uint64(clock) / perBit)
	return out, nil
}

// PresetBitTiming returns the fixed timing for one of PresetBitrates.
//
//	1000000 bps: brp 4
//	 500000 bps: brp 8
//	 250000 bps: brp 16
//	 125000 bps: brp 32
func PresetBitTiming(bitrate uint32) (BitTiming, error) {
	for _, r := range PresetBitrates {
		if r == bitrate {
			return CalcBitTiming(DefaultClock, bitrate, Timing1M)
		}
	}
	return BitTiming{}, fmt.Errorf("%w: no preset for %d bps", ErrInvalidBitrate, bitrate)
}

// ParseBitrate accepts plain numbers and k/M suffixes, e.g. "500k" or "1M".
func ParseBitrate(s string) (uint32, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "bps")
	mul := uint64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mul, s = 1000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mul, s = 1000000, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBitrate, s)
	}
	v *= mul
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBitrate, v)
	}
	return uint32(v), nil
}

// BitTimingConst are the controller limits reported by the BT_CONST request.
type BitTimingConst struct {
	Feature  uint32
	Clock    uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

const bitTimingConstSize = 40

func parseBitTimingConst(b []byte) (BitTimingConst, error) {
	if len(b) < bitTimingConstSize {
		return BitTimingConst{}, fmt.Errorf("%w: bt_const reply %d bytes, want %d", ErrFrameTooShort, len(b), bitTimingConstSize)
	}
	var v [10]uint32
	for i := range v {
		v[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return BitTimingConst{
		Feature: v[0], Clock: v[1],
		Tseg1Min: v[2], Tseg1Max: v[3],
		Tseg2Min: v[4], Tseg2Max: v[5],
		SJWMax: v[6],
		BRPMin: v[7], BRPMax: v[8], BRPInc: v[9],
	}, nil
}

func (c BitTimingConst) bytes() []byte {
	buf := make([]byte, bitTimingConstSize)
	for i, v := range []uint32{c.Feature, c.Clock, c.Tseg1Min, c.Tseg1Max, c.Tseg2Min, c.Tseg2Max, c.SJWMax, c.BRPMin, c.BRPMax, c.BRPInc} {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// Check validates bt against the controller limits. Tseg1 is PropSeg+PhaseSeg1.
func (c BitTimingConst) Check(bt BitTiming) error {
	tseg1 := bt.PropSeg + bt.PhaseSeg1
	switch {
	case tseg1 < c.Tseg1Min || tseg1 > c.Tseg1Max:
		return fmt.Errorf("%w: tseg1 %d outside [%d,%d]", ErrInvalidBitrate, tseg1, c.Tseg1Min, c.Tseg1Max)
	case bt.PhaseSeg2 < c.Tseg2Min || bt.PhaseSeg2 > c.Tseg2Max:
		return fmt.Errorf("%w: tseg2 %d outside [%d,%d]", ErrInvalidBitrate, bt.PhaseSeg2, c.Tseg2Min, c.Tseg2Max)
	case bt.SJW > c.SJWMax:
		return fmt.Errorf("%w: sjw %d above %d", ErrInvalidBitrate, bt.SJW, c.SJWMax)
	case bt.BRP < c.BRPMin || bt.BRP > c.BRPMax:
		return fmt.Errorf("%w: brp %d outside [%d,%d]", ErrInvalidBitrate, bt.BRP, c.BRPMin, c.BRPMax)
	case c.BRPInc > 1 && (bt.BRP-c.BRPMin)%c.BRPInc != 0:
		return fmt.Errorf("%w: brp %d not a multiple of %d", ErrInvalidBitrate, bt.BRP, c.BRPInc)
	}
	return nil
}

// DeviceConfig is the reply to the DEVICE_CONFIG request.
type DeviceConfig struct {
	Channels        int // icount + 1
	SoftwareVersion uint32
	HardwareVersion uint32
}

const deviceConfigSize = 12

func parseDeviceConfig(b []byte) (DeviceConfig, error) {
	if len(b) < deviceConfigSize {
		return DeviceConfig{}, fmt.Errorf("%w: device_config reply %d bytes, want %d", ErrFrameTooShort, len(b), deviceConfigSize)
	}
	return DeviceConfig{
		Channels:        int(b[3]) + 1,
		SoftwareVersion: binary.LittleEndian.Uint32(b[4:]),
		HardwareVersion: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

func (d DeviceConfig) bytes() []byte {
	buf := make([]byte, deviceConfigSize)
	if d.Channels > 0 {
		buf[3] = byte(d.Channels - 1)
	}
	binary.LittleEndian.PutUint32(buf[4:], d.SoftwareVersion)
	binary.LittleEndian.PutUint32(buf[8:], d.HardwareVersion)
	return buf
}
