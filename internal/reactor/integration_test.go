package reactor_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
	"unsafe"

	"github.com/jezek/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/display"
	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/kernel"
	"github.com/bnema/inputmux/internal/reactor"
	"github.com/bnema/inputmux/internal/x11"
	"github.com/bnema/inputmux/internal/x11/x11test"
)

const (
	xKeyA = 38
	xKeyQ = 24

	evKey = 1
	evAbs = 3
	evSyn = 0
)

var (
	xKeyboard = x11.DeviceInfo{ID: 9, Use: x11.XISlaveKeyboard, Attachment: 3, Enabled: true, Name: "AT Translated Set 2 keyboard", NumKeys: 248}
	xTablet   = x11.DeviceInfo{
		ID: 12, Use: x11.XISlavePointer, Attachment: 2, Enabled: true, Name: "Wacom Intuos Pen stylus", NumButtons: 3,
		Valuators: []x11.Valuator{
			{Number: 0, Max: 44704, Mode: x11.ModeAbsolute},
			{Number: 1, Max: 27940, Mode: x11.ModeAbsolute},
		},
	}
)

// evdevRecord renders one input_event in the native layout.
func evdevRecord(typ, code uint16, value int32) []byte {
	size := int(unsafe.Sizeof(unix.Timeval{})) + 8
	b := make([]byte, size)
	off := size - 8
	binary.NativeEndian.PutUint16(b[off:], typ)
	binary.NativeEndian.PutUint16(b[off+2:], code)
	binary.NativeEndian.PutUint32(b[off+4:], uint32(value))
	return b
}

type staticRegistry []kernel.Node

func (r staticRegistry) Enumerate() ([]kernel.Node, error) { return r, nil }

// evdevRig serves kernel nodes from pipes.
type evdevRig struct {
	t       *testing.T
	writers map[string]int
	readers map[string]int
	infos   map[string]event.DeviceInfo
	hotplug int
}

func newEvdevRig(t *testing.T) *evdevRig {
	return &evdevRig{t: t, writers: map[string]int{}, readers: map[string]int{}, infos: map[string]event.DeviceInfo{}}
}

func (r *evdevRig) node(sysname string, info event.DeviceInfo) kernel.Node {
	var p [2]int
	require.NoError(r.t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	r.t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	r.readers[sysname], r.writers[sysname] = p[0], p[1]
	r.infos[sysname] = info
	return kernel.Node{Path: "/dev/input/" + sysname, Sysname: sysname}
}

func (r *evdevRig) open(n kernel.Node) (kernel.Opened, error) {
	fd, ok := r.readers[n.Sysname]
	if !ok {
		return kernel.Opened{}, unix.ENOENT
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return kernel.Opened{}, err
	}
	return kernel.Opened{Fd: dup, Info: r.infos[n.Sysname]}, nil
}

func (r *evdevRig) write(sysname string, recs ...[]byte) {
	r.t.Helper()
	for _, rec := range recs {
		_, err := unix.Write(r.writers[sysname], rec)
		require.NoError(r.t, err)
	}
}

func (r *evdevRig) monitor() *kernel.Monitor {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(r.t, err)
	r.t.Cleanup(func() { unix.Close(fds[1]) })
	r.hotplug = fds[1]
	return kernel.NewMonitorFromFd(fds[0])
}

func (r *evdevRig) uevent(action, sysname string) {
	r.t.Helper()
	msg := action + "@/devices/virtual/input/input7/" + sysname + "\x00" +
		"ACTION=" + action + "\x00" +
		"DEVNAME=input/" + sysname + "\x00" +
		"DEVPATH=/devices/virtual/input/input7/" + sysname + "\x00" +
		"SEQNUM=7\x00" +
		"SUBSYSTEM=input\x00"
	_, err := unix.Write(r.hotplug, []byte(msg))
	require.NoError(r.t, err)
}

func newDisplayServer(devices ...x11.DeviceInfo) *x11test.Server {
	syms := make([]xproto.Keysym, 248*2)
	syms[(xKeyA-8)*2], syms[(xKeyA-8)*2+1] = 'a', 'A'
	syms[(xKeyQ-8)*2], syms[(xKeyQ-8)*2+1] = 'q', 'Q'
	return &x11test.Server{
		Devices:             devices,
		MinKeycode:          8,
		KeysymsPerKeycode:   2,
		Keysyms:             syms,
		KeycodesPerModifier: 1,
		ModifierKeycodes:    make([]xproto.Keycode, 8),
	}
}

type rig struct {
	evdev *evdevRig
	x     *x11test.Server
	mux   *reactor.Multiplexer
}

func newRig(t *testing.T, nodes func(*evdevRig) []kernel.Node, xdevices ...x11.DeviceInfo) *rig {
	t.Helper()
	er := newEvdevRig(t)
	kb := kernel.New(kernel.Options{
		Registry: staticRegistry(nodes(er)),
		Opener:   er.open,
		Monitor:  er.monitor(),
	})

	srv := newDisplayServer(xdevices...)
	db, err := display.New(srv.Dial(t), display.Options{IgnorePatterns: display.DefaultIgnorePatterns})
	require.NoError(t, err)

	p, err := reactor.NewEpoll()
	require.NoError(t, err)
	m, err := reactor.New(p, kb, db)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &rig{evdev: er, x: srv, mux: m}
}

func (r *rig) next(t *testing.T) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := r.mux.Next(ctx)
	require.NoError(t, err)
	return ev
}

// added consumes n DeviceAdded events and indexes them by name.
func (r *rig) added(t *testing.T, n int) map[string]event.DeviceInfo {
	t.Helper()
	out := map[string]event.DeviceInfo{}
	for i := 0; i < n; i++ {
		ev := r.next(t)
		p, ok := ev.Payload.(event.DeviceAdded)
		require.True(t, ok, "got %T", ev.Payload)
		out[p.Device.Name] = p.Device
	}
	return out
}

func keyboardNode(r *evdevRig) []kernel.Node {
	return []kernel.Node{r.node("event3", event.DeviceInfo{Name: "USB Keyboard", Caps: event.CapKeys})}
}

func TestMixedBackends(t *testing.T) {
	r := newRig(t, keyboardNode, xKeyboard)
	devs := r.added(t, 2)
	kbd := devs["USB Keyboard"]
	xkbd := devs[xKeyboard.Name]
	assert.Equal(t, event.KindKernel, kbd.Backend)
	assert.Equal(t, event.KindDisplay, xkbd.Backend)

	r.evdev.write("event3", evdevRecord(evKey, 30, 1), evdevRecord(evSyn, 0, 0))
	ev := r.next(t)
	assert.Equal(t, kbd.Handle, ev.Device)
	assert.Equal(t, uint32(30), ev.Payload.(event.KeyChanged).Code)

	r.x.SendEvent(x11test.Key(xKeyboard.ID, xKeyA, true, 100))
	ev = r.next(t)
	assert.Equal(t, xkbd.Handle, ev.Device)
	assert.Equal(t, "a", ev.Payload.(event.KeyChanged).Text)
	assert.Equal(t, 100*time.Millisecond, ev.Time)
}

func TestDisplayLossLeavesKernelRunning(t *testing.T) {
	r := newRig(t, keyboardNode, xKeyboard)
	devs := r.added(t, 2)
	kbd := devs["USB Keyboard"]

	r.x.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.mux.Next(ctx)
	var be *event.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, event.KindDisplay, be.Backend)

	r.evdev.write("event3", evdevRecord(evKey, 31, 1))
	ev := r.next(t)
	assert.Equal(t, kbd.Handle, ev.Device)

	require.Len(t, r.mux.Devices(), 1)
	assert.Equal(t, kbd.Handle, r.mux.Devices()[0].Handle)
}

func TestDisplayKeymapChange(t *testing.T) {
	r := newRig(t, func(*evdevRig) []kernel.Node { return nil }, xKeyboard)
	xkbd := r.added(t, 1)[xKeyboard.Name]

	syms := make([]xproto.Keysym, 248*2)
	syms[(xKeyA-8)*2], syms[(xKeyA-8)*2+1] = 'q', 'Q'
	syms[(xKeyQ-8)*2], syms[(xKeyQ-8)*2+1] = 'a', 'A'
	r.x.SetKeyboardMapping(2, syms)
	r.x.SendEvent(x11test.MappingNotify(xproto.MappingKeyboard, 8, 248))
	r.x.SendEvent(x11test.Key(xKeyboard.ID, xKeyA, true, 200))

	ev := r.next(t)
	assert.Equal(t, xkbd.Handle, ev.Device)
	assert.Equal(t, "q", ev.Payload.(event.KeyChanged).Text)
}

func TestHotplugAcrossBackends(t *testing.T) {
	r := newRig(t, func(*evdevRig) []kernel.Node { return nil })
	stick := r.evdev.node("event5", event.DeviceInfo{
		Name: "Flight Stick",
		Caps: event.CapAbsoluteAxes,
		Axes: []event.AxisInfo{{Axis: event.AxisID{Kind: event.AxisAbsolute, Code: 0}, Min: 0, Max: 255}},
	})

	r.evdev.uevent("add", stick.Sysname)
	ev := r.next(t)
	added := ev.Payload.(event.DeviceAdded)
	assert.Equal(t, "Flight Stick", added.Device.Name)
	h := ev.Device

	r.evdev.write(stick.Sysname, evdevRecord(evAbs, 0, 200), evdevRecord(evSyn, 0, 0))
	ev = r.next(t)
	assert.Equal(t, h, ev.Device)
	assert.Equal(t, event.AxisChanged{Axis: event.AxisID{Kind: event.AxisAbsolute, Code: 0}, Value: 200}, ev.Payload)

	r.x.AddDevice(xTablet)
	r.x.SendEvent(x11test.Hierarchy(300, x11.HierarchyInfo{DeviceID: xTablet.ID, Use: x11.XISlavePointer, Enabled: true, Flags: x11.XISlaveAdded}))
	ev = r.next(t)
	tablet := ev.Payload.(event.DeviceAdded).Device
	assert.Equal(t, event.KindDisplay, tablet.Backend)
	assert.NotZero(t, tablet.Caps&event.CapAbsoluteAxes)

	r.x.SendEvent(x11test.Motion(xTablet.ID, 310, map[int]float64{0: 1000, 1: 2000}))
	ev = r.next(t)
	assert.Equal(t, event.PointerMovedAbsolute{X: 1000, Y: 2000}, ev.Payload)

	r.evdev.uevent("remove", stick.Sysname)
	ev = r.next(t)
	assert.Equal(t, h, ev.Device)
	assert.Equal(t, event.DeviceRemoved{}, ev.Payload)

	require.Len(t, r.mux.Devices(), 1)
	assert.Equal(t, tablet.Handle, r.mux.Devices()[0].Handle)
}
