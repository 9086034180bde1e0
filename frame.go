package gsusb

import (
	"encoding/binary"
	"fmt"
)

// Layout of a gs_usb host frame:
//
//	0..3   echo_id  (LE)
//	4..7   can_id   (LE)
//	8      can_dlc
//	9      channel
//	10     flags
//	11     reserved
//	12..75 data, zero padded
const (
	HeaderSize        = 12
	AlignedHeaderSize = 16
	MaxDataLength     = 64
	FrameSize         = HeaderSize + MaxDataLength

	// HeaderOffsetAuto makes a session detect the payload offset from the
	// transfers it receives, see DetectHeaderOffset.
	HeaderOffsetAuto = -1

	// EchoIDNone marks a frame that is not an echo of a host transmission.
	EchoIDNone uint32 = 0xFFFFFFFF
)

type Frame struct {
	EchoID   uint32
	CanID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
	Data     [MaxDataLength]byte
}

// NewFrame creates a frame for channel and copies data into it.
func NewFrame(channel uint8, canID uint32, data []byte) (*Frame, error) {
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(data), MaxDataLength)
	}
	f := &Frame{
		EchoID:  EchoIDNone,
		CanID:   canID,
		DLC:     uint8(len(data)),
		Channel: channel,
	}
	copy(f.Data[:], data)
	return f, nil
}

// Payload returns the meaningful part of Data.
func (f *Frame) Payload() []byte {
	return f.Data[:min(int(f.DLC), MaxDataLength)]
}

// IsKeepalive reports whether f is an empty frame with identifier zero.
func (f *Frame) IsKeepalive() bool {
	return f.CanID == 0 && f.DLC == 0
}

// IsEcho reports whether f is the adapter reflecting a host transmission.
func (f *Frame) IsEcho() bool {
	return f.EchoID != EchoIDNone
}

// Bytes encodes the frame into its fixed FrameSize wire form.
func (f *Frame) Bytes() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:], f.EchoID)
	binary.LittleEndian.PutUint32(buf[4:], f.CanID)
	buf[8] = f.DLC
	buf[9] = f.Channel
	buf[10] = f.Flags
	buf[11] = f.Reserved
	copy(buf[HeaderSize:], f.Payload())
	return buf
}

// Encode is shorthand for f.Bytes().
func Encode(f *Frame) []byte {
	return f.Bytes()
}

// Codec decodes bulk IN transfers whose payload starts at Offset.
type Codec struct {
	Offset int
}

var DefaultCodec = Codec{Offset: HeaderSize}

func NewCodec(offset int) (Codec, error) {
	if offset != HeaderSize && offset != AlignedHeaderSize {
		return Codec{}, fmt.Errorf("unsupported header offset %d", offset)
	}
	return Codec{Offset: offset}, nil
}

// Decode parses b with the default 12 byte payload offset.
func Decode(b []byte) (*Frame, error) {
	return DefaultCodec.Decode(b)
}

// Decode parses a received transfer. When fewer payload bytes are present
// than the header declares, the available bytes are kept and the frame is
// returned together with an error matching ErrFrameTruncated.
func (c Codec) Decode(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrFrameTooShort, len(b), HeaderSize)
	}
	f := &Frame{
		EchoID:   binary.LittleEndian.Uint32(b[0:]),
		CanID:    binary.LittleEndian.Uint32(b[4:]),
		DLC:      b[8],
		Channel:  b[9],
		Flags:    b[10],
		Reserved: b[11],
	}
	if f.DLC > MaxDataLength {
		return nil, fmt.Errorf("%w: dlc %d exceeds %d", ErrFrameMalformed, f.DLC, MaxDataLength)
	}
	offset := c.Offset
	if offset < HeaderSize {
		offset = HeaderSize
	}
	var available int
	if len(b) > offset {
		available = len(b) - offset
	}
	n := copy(f.Data[:f.DLC], b[min(offset, len(b)):])
	if available < int(f.DLC) {
		return f, fmt.Errorf("%w: dlc %d, got %d payload bytes", ErrFrameTruncated, f.DLC, n)
	}
	return f, nil
}

// DetectHeaderOffset guesses the payload offset used by the firmware from a
// single transfer. Transfers are either trimmed to exactly dlc payload bytes
// or padded to the classic 8 byte or the full 64 byte data area, and padded
// ones may carry a trailing 4 byte timestamp. Keepalives and lengths that fit
// no layout yield ErrOffsetUnknown. Lengths that fit a layout at both offsets
// yield ErrOffsetAmbiguous.
func DetectHeaderOffset(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrOffsetUnknown
	}
	canID := binary.LittleEndian.Uint32(b[4:])
	dlc := int(b[8])
	if dlc > MaxDataLength || (canID == 0 && dlc == 0) {
		return 0, ErrOffsetUnknown
	}
	fit12 := fitsLayout(len(b), dlc, HeaderSize)
	fit16 := fitsLayout(len(b), dlc, AlignedHeaderSize)
	switch {
	case fit12 && fit16:
		return 0, fmt.Errorf("%w: %d byte transfer with dlc %d", ErrOffsetAmbiguous, len(b), dlc)
	case fit12:
		return HeaderSize, nil
	case fit16:
		return AlignedHeaderSize, nil
	}
	return 0, ErrOffsetUnknown
}

const (
	classicDataLength = 8
	timestampSize     = 4
)

func fitsLayout(n, dlc, offset int) bool {
	switch n {
	case offset + dlc,
		offset + MaxDataLength,
		offset + MaxDataLength + timestampSize:
		return true
	case offset + classicDataLength,
		offset + classicDataLength + timestampSize:
		return dlc <= classicDataLength
	}
	return false
}
