package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/inputmux/internal/event"
)

func newMux(t *testing.T, backends ...Backend) *Multiplexer {
	t.Helper()
	p, err := NewEpoll()
	require.NoError(t, err)
	m, err := New(p, backends...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func next(t *testing.T, m *Multiplexer) (event.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := m.Next(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "stream stalled")
	return ev, err
}

func nextEvent(t *testing.T, m *Multiplexer) event.Event {
	t.Helper()
	ev, err := next(t, m)
	require.NoError(t, err)
	return ev
}

// initial consumes the DeviceAdded events New queued.
func initial(t *testing.T, m *Multiplexer, n int) []event.Handle {
	t.Helper()
	var hs []event.Handle
	for i := 0; i < n; i++ {
		ev := nextEvent(t, m)
		require.IsType(t, event.DeviceAdded{}, ev.Payload)
		hs = append(hs, ev.Device)
	}
	return hs
}

func assertIdle(t *testing.T, m *Multiplexer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := m.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unexpected %v", ev.Payload)
}

func TestNew_QueuesInitialDevices(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 2)
	db := newFakeBackend(t, event.KindDisplay, 1)
	m := newMux(t, kb, db)

	hs := initial(t, m, 3)
	assert.Equal(t, event.KindKernel, hs[0].Backend)
	assert.Equal(t, event.KindKernel, hs[1].Backend)
	assert.Equal(t, event.KindDisplay, hs[2].Backend)
	assert.Len(t, m.Devices(), 3)
	// Two control pipes plus three devices.
	assert.Len(t, m.regs, 5)
	assertIdle(t, m)
}

func TestNext_FIFOPerSource(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 2)
	m := newMux(t, kb)
	hs := initial(t, m, 2)

	var codes []byte
	for i := 1; i <= 200; i++ {
		codes = append(codes, byte(i))
	}
	kb.write(t, hs[0], codes...)
	// The same record twice yields two equal events.
	kb.write(t, hs[1], 42, 42)

	got := map[event.Handle][]uint32{}
	for i := 0; i < 202; i++ {
		ev := nextEvent(t, m)
		got[ev.Device] = append(got[ev.Device], ev.Payload.(event.KeyChanged).Code)
	}
	require.Len(t, got[hs[0]], 200)
	for i, c := range got[hs[0]] {
		assert.Equal(t, uint32(i+1), c)
	}
	assert.Equal(t, []uint32{42, 42}, got[hs[1]])
}

func TestNext_HotplugRegistersNewSource(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	m := newMux(t, kb)

	kb.control(t, cmdAdd)
	ev := nextEvent(t, m)
	require.IsType(t, event.DeviceAdded{}, ev.Payload)
	h := ev.Device

	kb.write(t, h, 30)
	ev = nextEvent(t, m)
	assert.Equal(t, h, ev.Device)
	assert.Equal(t, event.KeyChanged{Code: 30, Pressed: true}, ev.Payload)
	assert.Len(t, m.Devices(), 1)
}

func TestNext_RemovalDeregisters(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 2)
	m := newMux(t, kb)
	hs := initial(t, m, 2)
	gone, _ := kb.SourceFor(hs[0])

	kb.control(t, cmdRemove, byte(hs[0].Slot))
	ev := nextEvent(t, m)
	assert.Equal(t, hs[0], ev.Device)
	assert.Equal(t, event.DeviceRemoved{}, ev.Payload)
	assert.Equal(t, []event.Handle{hs[0]}, kb.released)
	_, registered := m.byFd[gone.Fd]
	assert.False(t, registered)

	drains := kb.drainedDevice(hs[0])
	kb.write(t, hs[1], 5)
	ev = nextEvent(t, m)
	assert.Equal(t, hs[1], ev.Device)
	assert.Equal(t, drains, kb.drainedDevice(hs[0]))

	require.Len(t, m.Devices(), 1)
	assert.Equal(t, hs[1], m.Devices()[0].Handle)
}

func TestNext_SelfRemovalIsLast(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 1)
	m := newMux(t, kb)
	h := initial(t, m, 1)[0]

	kb.write(t, h, 7, 0, 9)
	assert.Equal(t, event.KeyChanged{Code: 7, Pressed: true}, nextEvent(t, m).Payload)
	assert.Equal(t, event.DeviceRemoved{}, nextEvent(t, m).Payload)
	assertIdle(t, m)
	assert.Empty(t, m.Devices())
}

func TestNext_DecodeErrorKeepsStreaming(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 1)
	m := newMux(t, kb)
	h := initial(t, m, 1)[0]

	kb.control(t, cmdBad)
	_, err := next(t, m)
	var de *event.DecodeError
	require.ErrorAs(t, err, &de)
	assert.False(t, event.IsFatal(err))

	kb.write(t, h, 1)
	assert.Equal(t, h, nextEvent(t, m).Device)
}

func TestNext_BackendFailureIsIsolated(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 1)
	db := newFakeBackend(t, event.KindDisplay, 1)
	m := newMux(t, kb, db)
	hs := initial(t, m, 2)

	db.control(t, cmdFail, cmdFail)
	_, err := next(t, m)
	var be *event.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, event.KindDisplay, be.Backend)
	assert.True(t, event.IsFatal(err))
	assert.False(t, event.IsTerminal(err))
	assert.True(t, db.closed)

	kb.write(t, hs[0], 3)
	ev := nextEvent(t, m)
	assert.Equal(t, hs[0], ev.Device)
	assertIdle(t, m)

	require.Len(t, m.Devices(), 1)
	assert.Equal(t, event.KindKernel, m.Devices()[0].Backend)
	for _, reg := range m.regs {
		assert.NotSame(t, db, reg.owner.backend)
	}
}

func TestNext_AllBackendsFailed(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	m := newMux(t, kb)

	kb.control(t, cmdFail)
	_, err := next(t, m)
	assert.False(t, event.IsTerminal(err))
	_, err = next(t, m)
	var se *event.StreamError
	require.ErrorAs(t, err, &se)
	assert.True(t, event.IsTerminal(err))

	_, again := next(t, m)
	assert.Equal(t, err, again)
}

func TestNew_EnumerationFailure(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	kb.enumErr = errors.New("failed to read input device registry")
	db := newFakeBackend(t, event.KindDisplay, 1)
	m := newMux(t, kb, db)

	_, err := next(t, m)
	var be *event.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, event.KindKernel, be.Backend)
	assert.ErrorContains(t, err, "registry")
	assert.True(t, kb.closed)

	ev := nextEvent(t, m)
	assert.Equal(t, event.KindDisplay, ev.Device.Backend)
}

func TestNew_EveryBackendFailed(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	kb.enumErr = errors.New("no registry")
	p, err := NewEpoll()
	require.NoError(t, err)

	_, err = New(p, kb)
	var se *event.StreamError
	require.ErrorAs(t, err, &se)
	assert.ErrorContains(t, err, "no registry")

	p2, err := NewEpoll()
	require.NoError(t, err)
	_, err = New(p2)
	assert.True(t, event.IsTerminal(err))
}

func TestNew_DuplicateBackendKind(t *testing.T) {
	a := newFakeBackend(t, event.KindKernel, 1)
	b := newFakeBackend(t, event.KindKernel, 1)
	p, err := NewEpoll()
	require.NoError(t, err)

	_, err = New(p, a, b)
	assert.ErrorContains(t, err, "duplicate kernel backend")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.True(t, p.closed)
}

func TestNext_InvariantViolationsDropped(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 1)
	m := newMux(t, kb)
	hs := initial(t, m, 1)

	stray := event.Handle{Backend: event.KindKernel, Slot: 7}
	foreign := event.Handle{Backend: event.KindDisplay, Slot: 1}
	key := func(h event.Handle) event.Event {
		return event.Event{Device: h, Payload: event.KeyChanged{Code: 30, Pressed: true}}
	}
	added := event.Event{Device: stray, Payload: event.DeviceAdded{Device: event.DeviceInfo{Handle: stray, Backend: event.KindKernel, Caps: event.CapKeys}}}
	removed := event.Event{Device: stray, Payload: event.DeviceRemoved{}}
	kb.script = []event.Event{
		key(stray),
		added,
		added,
		key(stray),
		key(foreign),
		removed,
		key(stray),
		removed,
		added,
	}
	kb.control(t, cmdScript)

	assert.IsType(t, event.DeviceAdded{}, nextEvent(t, m).Payload)
	ev := nextEvent(t, m)
	assert.Equal(t, stray, ev.Device)
	assert.IsType(t, event.KeyChanged{}, ev.Payload)
	assert.IsType(t, event.DeviceRemoved{}, nextEvent(t, m).Payload)
	assertIdle(t, m)

	devices := m.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, hs[0], devices[0].Handle)

	// The announced device still streams.
	kb.write(t, hs[0], 5)
	ev = nextEvent(t, m)
	assert.Equal(t, hs[0], ev.Device)
	assert.Equal(t, event.KeyChanged{Code: 5, Pressed: true}, ev.Payload)
}

func TestNext_Cancelled(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	m := newMux(t, kb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The stream is still usable.
	kb.control(t, cmdAdd)
	assert.IsType(t, event.DeviceAdded{}, nextEvent(t, m).Payload)
}

func TestClose(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 2)
	db := newFakeBackend(t, event.KindDisplay, 0)
	m := newMux(t, kb, db)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, kb.closed)
	assert.True(t, db.closed)
	assert.Len(t, kb.released, 2)
	assert.Empty(t, m.regs)
	assert.Empty(t, m.Devices())

	_, err := m.Next(context.Background())
	assert.ErrorIs(t, err, event.ErrClosed)
}

func TestStream(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 1)
	p, err := NewEpoll()
	require.NoError(t, err)
	m, err := New(p, kb)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs := m.Stream(ctx)

	recv := func() event.Event {
		select {
		case ev := <-events:
			return ev
		case err := <-errs:
			t.Fatalf("unexpected error %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("stream stalled")
		}
		return event.Event{}
	}

	added := recv()
	require.IsType(t, event.DeviceAdded{}, added.Payload)
	kb.control(t, cmdAdd)
	second := recv()
	require.IsType(t, event.DeviceAdded{}, second.Payload)
	assert.Len(t, m.Devices(), 2)

	cancel()
	require.Eventually(t, func() bool {
		_, open1 := <-events
		_, open2 := <-errs
		return !open1 && !open2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, kb.closed)
}

func TestStream_TerminalError(t *testing.T) {
	kb := newFakeBackend(t, event.KindKernel, 0)
	p, err := NewEpoll()
	require.NoError(t, err)
	m, err := New(p, kb)
	require.NoError(t, err)

	events, errs := m.Stream(context.Background())
	kb.control(t, cmdFail)

	var got []error
	for err := range errs {
		got = append(got, err)
	}
	require.Len(t, got, 2)
	assert.False(t, event.IsTerminal(got[0]))
	assert.True(t, event.IsTerminal(got[1]))
	_, open := <-events
	assert.False(t, open)
}
