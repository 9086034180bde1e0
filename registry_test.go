package gsusb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, n int) (*LoopbackBus, *Registry, *errorSink) {
	t.Helper()
	bus := NewLoopbackBus(n)
	sink := &errorSink{}
	r := NewRegistry(bus, testConfig(sink))
	t.Cleanup(func() { r.DisconnectAll() })
	return bus, r, sink
}

func TestRegistry_ConnectAllSkipsFailures(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 3)
	bus.Device(1).OpenErr = errors.New("access denied")

	report, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Opened)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bus.Device(1).Info(), report.Failures[0].Device)
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Broadcast(0, 0x123, []byte{1, 2, 3}))
	assert.Len(t, bus.Device(0).Writes(), 1)
	assert.Empty(t, bus.Device(1).Writes())
	assert.Len(t, bus.Device(2).Writes(), 1)
}

func TestRegistry_ConnectAllNoDevices(t *testing.T) {
	_, r, _ := newTestRegistry(t, 0)
	_, err := r.ConnectAll(DefaultSelector())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConnectAllEveryDeviceFails(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 2)
	denied := errors.New("access denied")
	bus.Device(0).OpenErr = denied
	bus.Device(1).OpenErr = denied

	report, err := r.ConnectAll(DefaultSelector())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, err, denied)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Failures, 2)
	assert.Equal(t, 0, report.Opened)
}

func TestRegistry_ConnectAllTwice(t *testing.T) {
	_, r, _ := newTestRegistry(t, 1)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	_, err = r.ConnectAll(DefaultSelector())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestRegistry_SendTo(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 2)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)

	require.NoError(t, r.SendTo(1, 0, 0x7E0, []byte{0x02, 0x10, 0x01}))
	assert.Empty(t, bus.Device(0).Writes())
	assert.Len(t, bus.Device(1).Writes(), 1)

	err = r.SendTo(5, 0, 0x7E0, nil)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = r.SendTo(-1, 0, 0x7E0, nil)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Empty(t, bus.Device(0).Writes())
	assert.Len(t, bus.Device(1).Writes(), 1)
}

func TestRegistry_NotConnected(t *testing.T) {
	_, r, _ := newTestRegistry(t, 1)
	assert.ErrorIs(t, r.Broadcast(0, 1, nil), ErrNotConnected)
	assert.ErrorIs(t, r.StartChannel(0), ErrNotConnected)
	assert.ErrorIs(t, r.SendTo(0, 0, 1, nil), ErrIndexOutOfRange)
}

func TestRegistry_BroadcastPayloadTooLarge(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 2)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Broadcast(0, 1, make([]byte, 65)), ErrPayloadTooLarge)
	assert.Empty(t, bus.Device(0).Writes())
	assert.Empty(t, bus.Device(1).Writes())
}

func TestRegistry_BroadcastPartialFailure(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 3)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	bus.Device(1).WriteErr = errors.New("stall")

	err = r.Broadcast(0, 0x10, []byte{1})
	require.Error(t, err)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Len(t, bus.Device(0).Writes(), 1)
	assert.Len(t, bus.Device(2).Writes(), 1)
}

func TestRegistry_FramesTaggedWithIndex(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 3)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	sub := r.Subscribe()
	defer sub.Close()

	f, err := NewFrame(0, 0x5E8, []byte{0x41})
	require.NoError(t, err)
	require.NoError(t, bus.Device(2).InjectFrame(f))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sub.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Index)
	assert.Equal(t, uint32(0x5E8), got.Frame.CanID)
}

func TestRegistry_SubscribeFiltersIdentifiers(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 1)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	sub := r.Subscribe(0x7E8)
	defer sub.Close()

	other, _ := NewFrame(0, 0x100, nil)
	want, _ := NewFrame(0, 0x7E8, []byte{0x06, 0x50})
	require.NoError(t, bus.Device(0).InjectFrame(other))
	require.NoError(t, bus.Device(0).InjectFrame(want))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sub.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E8), got.Frame.CanID)
}

func TestRegistry_ConfigureAndStart(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 2)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)

	require.NoError(t, r.ConfigureBitrate(0, 250000))
	require.NoError(t, r.StartChannel(0))
	for i := 0; i < 2; i++ {
		bt, ok := bus.Device(i).BitTiming(0)
		require.True(t, ok)
		assert.Equal(t, uint32(16), bt.BRP)
		assert.True(t, bus.Device(i).Started(0))
	}
	require.NoError(t, r.StopChannel(0))
	assert.False(t, bus.Device(0).Started(0))
}

func TestRegistry_DisconnectAll(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 3)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)
	require.NoError(t, r.StartChannel(0))
	bus.Device(1).ControlErr = errors.New("gone")

	err = r.DisconnectAll()
	assert.Error(t, err, "reset failure is reported")
	assert.Equal(t, 0, r.Len())
	for i := 0; i < 3; i++ {
		assert.False(t, bus.Device(i).IsOpen(), "device %d released", i)
	}

	assert.NoError(t, r.DisconnectAll())
	_, err = r.ConnectAll(DefaultSelector())
	assert.NoError(t, err, "devices can be reconnected")
}

func TestRegistry_Periodic(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 2)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)

	assert.ErrorIs(t, r.StartPeriodic(0, TargetAll, 0, 1, nil), ErrInvalidPeriod)
	assert.ErrorIs(t, r.StartPeriodic(10, 7, 0, 1, nil), ErrIndexOutOfRange)

	require.NoError(t, r.StartPeriodic(5, 1, 0, 0x7DF, []byte{0x02, 0x3E, 0x00}))
	assert.True(t, r.PeriodicRunning())
	require.Eventually(t, func() bool { return len(bus.Device(1).Writes()) >= 3 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, bus.Device(0).Writes())

	require.NoError(t, r.StartPeriodic(5, TargetAll, 0, 0x100, nil))
	require.Eventually(t, func() bool { return len(bus.Device(0).Writes()) >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, r.DisconnectAll())
	assert.False(t, r.PeriodicRunning())
	n0, n1 := len(bus.Device(0).Writes()), len(bus.Device(1).Writes())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n0, len(bus.Device(0).Writes()))
	assert.Equal(t, n1, len(bus.Device(1).Writes()))
}

func TestRegistry_BackgroundErrorsTagged(t *testing.T) {
	bus, r, sink := newTestRegistry(t, 2)
	_, err := r.ConnectAll(DefaultSelector())
	require.NoError(t, err)

	bus.Device(1).FailRead(errors.New("libusb: io error"))
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	var se *SessionError
	require.ErrorAs(t, sink.all()[0], &se)
	assert.Equal(t, 1, se.Index)
	assert.ErrorIs(t, se, ErrTransferFailed)
}

func TestRegistry_ListDevices(t *testing.T) {
	bus, r, _ := newTestRegistry(t, 3)
	infos, err := r.ListDevices(DefaultSelector())
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "LB0000", infos[0].Serial)

	infos, err = r.ListDevices(Selector{Serial: bus.Device(2).Info().Serial})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].Address)
}

func TestAbandonReportsCloseError(t *testing.T) {
	dev, s := openLoopback(t, testConfig(&errorSink{}))
	require.NoError(t, s.StartChannel(0))
	gone := errors.New("gone")
	dev.ControlErr = gone
	cause := errors.New("receive failed")

	err := abandon(s, cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, gone)
	assert.False(t, dev.IsOpen())

	_, s = openLoopback(t, testConfig(&errorSink{}))
	assert.Equal(t, cause, abandon(s, cause))
}
