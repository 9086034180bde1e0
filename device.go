package gsusb

import (
	"context"
	"fmt"
	"time"
)

const (
	VendorID  uint16 = 0x1D50
	ProductID uint16 = 0x606F
)

// gs_usb vendor requests
const (
	requestHostFormat   = 0
	requestBitTiming    = 1
	requestMode         = 2
	requestBTConst      = 5
	requestDeviceConfig = 9
)

const (
	controlOut = 0x41 // host-to-device, vendor, interface
	controlIn  = 0xC1 // device-to-host, vendor, interface

	modeReset = 0
	modeStart = 1

	hostFormatMagic = 0x0000BEEF

	// ReadSize is the size of a single bulk IN read.
	ReadSize = 512
)

// Device is a claimed gs_usb interface with resolved bulk endpoints.
type Device interface {
	Info() DeviceInfo
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ReadContext(ctx context.Context, buf []byte) (int, error)
	WriteContext(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Bus enumerates and opens devices. Open applies controlTimeout to every
// control transfer of the returned device.
type Bus interface {
	List(sel Selector) ([]DeviceInfo, error)
	Open(info DeviceInfo, controlTimeout time.Duration) (Device, error)
	Close() error
}

// Selector picks devices by vendor/product and optionally bus/address or
// serial number. Zero fields match anything.
type Selector struct {
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
	Serial    string
}

// DefaultSelector matches every attached gs_usb adapter of this product.
func DefaultSelector() Selector {
	return Selector{VendorID: VendorID, ProductID: ProductID}
}

func (s Selector) matchIDs(vid, pid uint16) bool {
	return (s.VendorID == 0 || s.VendorID == vid) && (s.ProductID == 0 || s.ProductID == pid)
}

func (s Selector) matchLocation(bus, address int) bool {
	return (s.Bus == 0 || s.Bus == bus) && (s.Address == 0 || s.Address == address)
}

// Match reports whether info satisfies every set field of s.
func (s Selector) Match(info DeviceInfo) bool {
	return s.matchIDs(info.Vendor, info.Product) &&
		s.matchLocation(info.Bus, info.Address) &&
		(s.Serial == "" || s.Serial == info.Serial)
}

type DeviceInfo struct {
	Bus         int
	Address     int
	Port        int
	Vendor      uint16
	Product     uint16
	Serial      string
	Version     string // bcdDevice as MAJOR.MINOR
	Interface   int
	Description string
}

func (d DeviceInfo) String() string {
	serial := d.Serial
	if serial == "" {
		serial = "unknown"
	}
	return fmt.Sprintf("%03d/%03d %04x:%04x sn:%s", d.Bus, d.Address, d.Vendor, d.Product, serial)
}

// Endpoint is the part of an endpoint descriptor needed to pick the bulk pipes.
type Endpoint struct {
	Number  int
	Address uint8
	In      bool
	Bulk    bool
}

// SelectEndpoints picks the bulk IN and OUT endpoints from eps, given in
// descriptor order. When several OUT endpoints exist the last one wins, it is
// the compatibility endpoint of the adapter.
func SelectEndpoints(eps []Endpoint) (in, out Endpoint, err error) {
	var haveIn, haveOut bool
	for _, ep := range eps {
		if !ep.Bulk {
			continue
		}
		if ep.In {
			in, haveIn = ep, true
		} else {
			out, haveOut = ep, true
		}
	}
	if !haveIn {
		return in, out, fmt.Errorf("%w: no bulk IN endpoint", ErrEndpointNotFound)
	}
	if !haveOut {
		return in, out, fmt.Errorf("%w: no bulk OUT endpoint", ErrEndpointNotFound)
	}
	return in, out, nil
}
