package gsusb

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameLog records frames handed to a receive callback.
type frameLog struct {
	mu     sync.Mutex
	frames []*Frame
}

func (l *frameLog) add(f *Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) get() []*Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Frame(nil), l.frames...)
}

func (l *frameLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func TestReceive_InOrder(t *testing.T) {
	dev, s := openLoopback(t, testConfig(&errorSink{}))
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))

	for i := 0; i < 50; i++ {
		f, err := NewFrame(0, uint32(0x100+i), []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, dev.InjectFrame(f))
	}
	require.Eventually(t, func() bool { return log.len() == 50 }, 2*time.Second, 5*time.Millisecond)

	for i, f := range log.get() {
		assert.Equal(t, uint32(0x100+i), f.CanID)
		assert.Equal(t, []byte{byte(i)}, f.Payload())
	}
	assert.Equal(t, uint64(50), s.Stats().RxFrames)
}

func TestReceive_TimeoutsAreIdle(t *testing.T) {
	sink := &errorSink{}
	cfg := testConfig(sink)
	cfg.ReadTimeout = 5 * time.Millisecond
	_, s := openLoopback(t, cfg)
	require.NoError(t, s.StartReceive(func(*Frame) {}))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, s.IsReceiving())
	assert.Empty(t, sink.all())
}

func TestReceive_IOErrorEndsPump(t *testing.T) {
	sink := &errorSink{}
	dev, s := openLoopback(t, testConfig(sink))
	require.NoError(t, s.StartReceive(func(*Frame) {}))

	dev.FailRead(errors.New("libusb: no device [code -4]"))
	require.Eventually(t, func() bool { return !s.IsReceiving() }, 2*time.Second, 5*time.Millisecond)

	errs := sink.all()
	require.Len(t, errs, 1, "fatal error is reported once")
	assert.ErrorIs(t, errs[0], ErrTransferFailed)
	assert.False(t, IsRecoverable(errs[0]))

	// An ended pump can be started again.
	require.NoError(t, s.StartReceive(func(*Frame) {}))
	assert.True(t, s.IsReceiving())
}

func TestReceive_AlreadyRunning(t *testing.T) {
	_, s := openLoopback(t, testConfig(&errorSink{}))
	require.NoError(t, s.StartReceive(func(*Frame) {}))
	assert.ErrorIs(t, s.StartReceive(func(*Frame) {}), ErrReceiveRunning)
	assert.Error(t, s.StartReceive(nil))
}

func TestReceive_StopIsIdempotent(t *testing.T) {
	_, s := openLoopback(t, testConfig(&errorSink{}))
	assert.NoError(t, s.StopReceive(), "stop without start")
	require.NoError(t, s.StartReceive(func(*Frame) {}))
	assert.NoError(t, s.StopReceive())
	assert.NoError(t, s.StopReceive())
	assert.False(t, s.IsReceiving())
}

func TestReceive_NoCallbackAfterStop(t *testing.T) {
	dev, s := openLoopback(t, testConfig(&errorSink{}))
	var calls atomic.Int64
	require.NoError(t, s.StartReceive(func(*Frame) { calls.Add(1) }))

	stop := make(chan struct{})
	go func() {
		f, _ := NewFrame(0, 0x10, []byte{1})
		for {
			select {
			case <-stop:
				return
			default:
				dev.InjectFrame(f)
			}
		}
	}()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.StopReceive())
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	assert.Equal(t, after, calls.Load())
}

func TestReceive_TruncatedFrameDelivered(t *testing.T) {
	dev, s := openLoopback(t, testConfig(&errorSink{}))
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))

	f, err := NewFrame(0, 0x200, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, dev.Inject(f.Bytes()[:HeaderSize+3]))

	require.Eventually(t, func() bool { return log.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := log.get()[0]
	assert.Equal(t, uint32(0x200), got.CanID)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, got.Payload())
	assert.Equal(t, uint64(1), s.Stats().Truncated)
}

func TestReceive_MalformedFrameDropped(t *testing.T) {
	dev, s := openLoopback(t, testConfig(&errorSink{}))
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))

	bad := make([]byte, FrameSize)
	bad[8] = 99
	require.NoError(t, dev.Inject(bad))
	require.NoError(t, dev.Inject(make([]byte, 4)))
	good, err := NewFrame(0, 0x42, nil)
	require.NoError(t, err)
	require.NoError(t, dev.InjectFrame(good))

	require.Eventually(t, func() bool { return log.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(0x42), log.get()[0].CanID)
	assert.Equal(t, uint64(2), s.Stats().Malformed)
}

func TestReceive_AutoHeaderOffset(t *testing.T) {
	cfg := testConfig(&errorSink{})
	cfg.HeaderOffset = HeaderOffsetAuto
	dev, s := openLoopback(t, cfg)
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))

	f, err := NewFrame(0, 0x300, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	b := f.Bytes()
	aligned := append(append([]byte(nil), b[:HeaderSize]...), 0, 0, 0, 0)
	aligned = append(aligned, b[HeaderSize:HeaderSize+2]...)
	require.NoError(t, dev.Inject(aligned))
	require.NoError(t, dev.Inject(aligned))

	require.Eventually(t, func() bool { return log.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	for _, got := range log.get() {
		assert.Equal(t, []byte{0xAA, 0xBB}, got.Payload())
	}
}

// eventLog records events emitted by a session.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestReceive_AutoHeaderOffsetAmbiguous(t *testing.T) {
	var events eventLog
	cfg := testConfig(&errorSink{})
	cfg.HeaderOffset = HeaderOffsetAuto
	cfg.OnEvent = events.add
	dev, s := openLoopback(t, cfg)
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))

	// Classic frame with a timestamp fits both offsets.
	f, err := NewFrame(0, 0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	raw := append(f.Bytes()[:HeaderSize+8], 0xDE, 0xAD, 0xBE, 0xEF)
	require.NoError(t, dev.Inject(raw))
	require.NoError(t, dev.Inject(raw))

	require.Eventually(t, func() bool { return log.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	for _, got := range log.get() {
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got.Payload())
	}
	assert.Equal(t, 1, events.count(EventTypeWarning), "warned once")
}

func TestReceive_StopWithBlockedCallback(t *testing.T) {
	cfg := testConfig(&errorSink{})
	cfg.StopTimeout = 100 * time.Millisecond
	dev, s := openLoopback(t, cfg)

	block := make(chan struct{})
	var calls atomic.Int64
	require.NoError(t, s.StartReceive(func(*Frame) {
		calls.Add(1)
		<-block
	}))
	f, err := NewFrame(0, 0x10, []byte{1})
	require.NoError(t, err)
	require.NoError(t, dev.InjectFrame(f))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, dev.InjectFrame(f))

	start := time.Now()
	err = s.StopReceive()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)

	close(block)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "queued frame not delivered after stop")
}

func TestReceive_EchoOfSend(t *testing.T) {
	_, s := openLoopback(t, testConfig(&errorSink{}))
	var log frameLog
	require.NoError(t, s.StartReceive(log.add))
	require.NoError(t, s.Send(0, 0x7DF, []byte{0x02, 0x01, 0x00}))

	require.Eventually(t, func() bool { return log.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := log.get()[0]
	assert.True(t, got.IsEcho())
	assert.Equal(t, uint32(0x7DF), got.CanID)
}
