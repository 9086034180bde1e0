package gsusb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
)

// USBBus finds and claims adapters through libusb.
type USBBus struct {
	ctx *gousb.Context
}

func NewUSBBus() *USBBus {
	return &USBBus{
		ctx: gousb.NewContext(),
	}
}

func (b *USBBus) Close() error {
	return b.ctx.Close()
}

// List returns every attached device matching sel, ordered by bus and address.
func (b *USBBus) List(sel Selector) ([]DeviceInfo, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return sel.matchIDs(uint16(desc.Vendor), uint16(desc.Product)) && sel.matchLocation(desc.Bus, desc.Address)
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("list usb devices: %w", err)
	}
	var out []DeviceInfo
	for _, d := range devs {
		info := describe(d)
		if sel.Match(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// Open claims interface info.Interface of the device at info's bus/address.
func (b *USBBus) Open(info DeviceInfo, controlTimeout time.Duration) (Device, error) {
	if controlTimeout <= 0 {
		controlTimeout = DefaultControlTimeout
	}
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == info.Bus && desc.Address == info.Address &&
			uint16(desc.Vendor) == info.Vendor && uint16(desc.Product) == info.Product
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, info, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, info)
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]
	dev.ControlTimeout = controlTimeout
	ud, err := claim(dev, info)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return ud, nil
}

func describe(d *gousb.Device) DeviceInfo {
	serial, err := d.SerialNumber()
	if err != nil {
		serial = ""
	}
	return DeviceInfo{
		Bus:         d.Desc.Bus,
		Address:     d.Desc.Address,
		Port:        d.Desc.Port,
		Vendor:      uint16(d.Desc.Vendor),
		Product:     uint16(d.Desc.Product),
		Serial:      serial,
		Version:     fmt.Sprintf("%d.%d", d.Desc.Device.Major(), d.Desc.Device.Minor()),
		Description: usbid.Describe(d.Desc),
	}
}

type usbDevice struct {
	info  DeviceInfo
	dev   *gousb.Device
	cfg   *gousb.Config
	iface *gousb.Interface
	in    *gousb.InEndpoint
	out   *gousb.OutEndpoint
}

func claim(dev *gousb.Device, info DeviceInfo) (*usbDevice, error) {
	// Detaching fails when no kernel driver is bound or the platform can't do it.
	_ = dev.SetAutoDetach(true)

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("config %d: %w", cfgNum, err)
	}
	iface, err := cfg.Interface(info.Interface, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("claim interface %d: %w", info.Interface, err)
	}
	inEp, outEp, err := SelectEndpoints(endpointsOf(iface.Setting))
	if err != nil {
		iface.Close()
		cfg.Close()
		return nil, err
	}
	in, err := iface.InEndpoint(inEp.Number)
	if err != nil {
		iface.Close()
		cfg.Close()
		return nil, fmt.Errorf("%w: InEndpoint(%d): %w", ErrEndpointNotFound, inEp.Number, err)
	}
	out, err := iface.OutEndpoint(outEp.Number)
	if err != nil {
		iface.Close()
		cfg.Close()
		return nil, fmt.Errorf("%w: OutEndpoint(%d): %w", ErrEndpointNotFound, outEp.Number, err)
	}
	return &usbDevice{info: info, dev: dev, cfg: cfg, iface: iface, in: in, out: out}, nil
}

func endpointsOf(setting gousb.InterfaceSetting) []Endpoint {
	eps := make([]Endpoint, 0, len(setting.Endpoints))
	for _, desc := range setting.Endpoints {
		eps = append(eps, Endpoint{
			Number:  desc.Number,
			Address: uint8(desc.Address),
			In:      desc.Direction == gousb.EndpointDirectionIn,
			Bulk:    desc.TransferType == gousb.TransferTypeBulk,
		})
	}
	// Endpoints is a map, address order stands in for descriptor order.
	sort.Slice(eps, func(i, j int) bool { return eps[i].Address < eps[j].Address })
	return eps
}

func (u *usbDevice) Info() DeviceInfo {
	return u.info
}

func (u *usbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return u.dev.Control(rType, request, val, idx, data)
}

func (u *usbDevice) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return u.in.ReadContext(ctx, buf)
}

func (u *usbDevice) WriteContext(ctx context.Context, buf []byte) (int, error) {
	return u.out.WriteContext(ctx, buf)
}

func (u *usbDevice) Close() error {
	u.iface.Close()
	return errors.Join(u.cfg.Close(), u.dev.Close())
}
