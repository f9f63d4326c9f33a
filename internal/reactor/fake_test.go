package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/event"
)

// Control commands understood by fakeBackend.
const (
	cmdAdd    = 'a'
	cmdRemove = 'r' // followed by a slot byte
	cmdFail   = 'f'
	cmdBad    = 'e'
	cmdScript = 's' // emits fakeBackend.script verbatim
)

type fakeDevice struct {
	r, w    int
	removed bool
}

// fakeBackend serves devices backed by pipes. Every byte written to a
// device pipe decodes to a key press with that code; byte 0 makes the
// device report its own removal.
type fakeBackend struct {
	t        *testing.T
	kind     event.BackendKind
	enumErr  error
	initial  int
	ctrlR    int
	ctrlW    int
	devices  *event.Arena[*fakeDevice]
	drained  []event.Source
	released []event.Handle
	closed   bool
	script   []event.Event
}

func newFakeBackend(t *testing.T, kind event.BackendKind, initial int) *fakeBackend {
	t.Helper()
	f := &fakeBackend{t: t, kind: kind, initial: initial, devices: event.NewArena[*fakeDevice](kind)}
	f.ctrlR, f.ctrlW = newPipe(t)
	return f
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(p[1]) })
	return p[0], p[1]
}

func (f *fakeBackend) Kind() event.BackendKind { return f.kind }

func (f *fakeBackend) Enumerate() ([]event.Event, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	var evs []event.Event
	for i := 0; i < f.initial; i++ {
		evs = append(evs, f.add())
	}
	return evs, nil
}

func (f *fakeBackend) add() event.Event {
	r, w := newPipe(f.t)
	h := f.devices.Insert(&fakeDevice{r: r, w: w})
	return event.Event{Device: h, Payload: event.DeviceAdded{Device: event.DeviceInfo{Handle: h, Backend: f.kind, Caps: event.CapKeys}}}
}

func (f *fakeBackend) Sources() []event.Source {
	srcs := []event.Source{{Fd: f.ctrlR}}
	f.devices.Each(func(h event.Handle, d *fakeDevice) bool {
		if !d.removed {
			srcs = append(srcs, event.Source{Fd: d.r, Device: h})
		}
		return true
	})
	return srcs
}

func (f *fakeBackend) SourceFor(h event.Handle) (event.Source, bool) {
	d, ok := f.devices.Get(h)
	if !ok || d.removed {
		return event.Source{}, false
	}
	return event.Source{Fd: d.r, Device: h}, true
}

func (f *fakeBackend) remove(h event.Handle) []event.Event {
	d, ok := f.devices.Get(h)
	if !ok || d.removed {
		return nil
	}
	d.removed = true
	return []event.Event{{Device: h, Payload: event.DeviceRemoved{}}}
}

func (f *fakeBackend) Drain(src event.Source) ([]event.Event, error) {
	f.drained = append(f.drained, src)
	if f.closed {
		return nil, event.ErrClosed
	}
	fd := src.Fd
	var d *fakeDevice
	if !src.Device.IsZero() {
		d, _ = f.devices.Get(src.Device)
		if d == nil || d.removed {
			return nil, nil
		}
		fd = d.r
	}

	var evs []event.Event
	var errs error
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EAGAIN) || n == 0 {
			return evs, errs
		}
		if err != nil {
			return evs, multierr.Append(errs, err)
		}
		for i := 0; i < n; i++ {
			c := buf[i]
			switch {
			case d != nil && d.removed:
			case d != nil && c == 0:
				evs = append(evs, f.remove(src.Device)...)
			case d != nil:
				evs = append(evs, event.Event{Device: src.Device, Payload: event.KeyChanged{Code: uint32(c), Pressed: true}})
			case c == cmdAdd:
				evs = append(evs, f.add())
			case c == cmdRemove:
				i++
				evs = append(evs, f.remove(event.Handle{Backend: f.kind, Slot: uint32(buf[i])})...)
			case c == cmdFail:
				errs = multierr.Append(errs, &event.BackendError{Backend: f.kind, Err: errors.New("control channel lost")})
			case c == cmdBad:
				errs = multierr.Append(errs, &event.DecodeError{Backend: f.kind, Err: errors.New("bad record")})
			case c == cmdScript:
				evs = append(evs, f.script...)
				f.script = nil
			}
		}
	}
}

func (f *fakeBackend) Release(h event.Handle) error {
	d, ok := f.devices.Remove(h)
	if !ok {
		return nil
	}
	f.released = append(f.released, h)
	return unix.Close(d.r)
}

func (f *fakeBackend) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var handles []event.Handle
	f.devices.Each(func(h event.Handle, _ *fakeDevice) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		f.Release(h)
	}
	return unix.Close(f.ctrlR)
}

func (f *fakeBackend) control(t *testing.T, cmd ...byte) {
	t.Helper()
	_, err := unix.Write(f.ctrlW, cmd)
	require.NoError(t, err)
}

func (f *fakeBackend) write(t *testing.T, h event.Handle, b ...byte) {
	t.Helper()
	d, ok := f.devices.Get(h)
	require.True(t, ok, "no device %s", h)
	_, err := unix.Write(d.w, b)
	require.NoError(t, err)
}

func (f *fakeBackend) drainedDevice(h event.Handle) int {
	n := 0
	for _, s := range f.drained {
		if s.Device == h {
			n++
		}
	}
	return n
}
