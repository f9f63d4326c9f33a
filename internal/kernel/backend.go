// Package kernel reads Linux evdev device nodes and follows device hotplug
// through the uevent netlink socket. Building it needs cgo, for
// golang-evdev and for libudev through go-udev.
package kernel

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/logger"
)

// DefaultIgnorePatterns are name fragments of nodes that carry no user
// input worth reporting.
var DefaultIgnorePatterns = []string{
	"virtual console",
	"system console",
	"console mouse",
	"speakup",
	"pc speaker",
	"hdmi",
	"video bus",
	"power button",
	"sleep button",
	"lid switch",
}

// Options configures a Backend.
type Options struct {
	Registry Registry
	// Opener defaults to OpenDevice.
	Opener Opener
	// Monitor delivers hotplug notifications. Nil disables hotplug.
	Monitor *Monitor
	// InputDir resolves DEVNAME of hotplugged nodes. Defaults to /dev/input.
	InputDir string
	// IgnorePatterns are matched case-insensitively against device names.
	IgnorePatterns []string
	Logger         *log.Logger
}

type device struct {
	fd      int
	sysname string
	removed bool
	dec     decoder
}

// Backend is the kernel evdev backend. All methods must be called from
// one goroutine.
type Backend struct {
	registry Registry
	opener   Opener
	monitor  *Monitor
	inputDir string
	ignore   []string
	log      *log.Logger

	devices   *event.Arena[*device]
	bySysname map[string]event.Handle
	buf       []byte
	closed    bool
}

// New creates a kernel backend. Nothing is opened until Enumerate.
func New(opts Options) *Backend {
	b := &Backend{
		registry:  opts.Registry,
		opener:    opts.Opener,
		monitor:   opts.Monitor,
		inputDir:  opts.InputDir,
		log:       opts.Logger,
		devices:   event.NewArena[*device](event.KindKernel),
		bySysname: make(map[string]event.Handle),
		buf:       make([]byte, 64*recordSize),
	}
	if b.opener == nil {
		b.opener = OpenDevice
	}
	if b.inputDir == "" {
		b.inputDir = "/dev/input"
	}
	if b.log == nil {
		b.log = logger.WithPrefix("kernel")
	}
	for _, p := range opts.IgnorePatterns {
		b.ignore = append(b.ignore, strings.ToLower(p))
	}
	return b
}

func (b *Backend) Kind() event.BackendKind { return event.KindKernel }

// Enumerate opens every eligible node the registry lists. A registry
// failure is fatal; a node that cannot be opened is skipped.
func (b *Backend) Enumerate() ([]event.Event, error) {
	if b.registry == nil {
		return nil, errors.New("no device registry configured")
	}
	nodes, err := b.registry.Enumerate()
	if err != nil {
		return nil, err
	}

	var evs []event.Event
	for _, n := range nodes {
		if ev, ok := b.add(n); ok {
			evs = append(evs, ev)
		}
	}
	b.log.Debugf("Enumerated %d of %d input nodes", len(evs), len(nodes))
	return evs, nil
}

func (b *Backend) ignored(name string) bool {
	name = strings.ToLower(name)
	for _, p := range b.ignore {
		if p != "" && strings.Contains(name, p) {
			b.log.Debugf("Ignoring device %s (matches pattern: %s)", name, p)
			return true
		}
	}
	return false
}

func (b *Backend) add(n Node) (event.Event, bool) {
	if h, ok := b.bySysname[n.Sysname]; ok {
		if d, live := b.devices.Get(h); live && !d.removed {
			return event.Event{}, false
		}
	}
	if n.Name != "" && b.ignored(n.Name) {
		return event.Event{}, false
	}

	o, err := b.opener(n)
	if err != nil {
		b.log.Debugf("Unable to open %s: %v", n.Path, err)
		return event.Event{}, false
	}
	if b.ignored(o.Info.Name) || o.Info.Caps == 0 {
		unix.Close(o.Fd)
		return event.Event{}, false
	}

	d := &device{fd: o.Fd, sysname: n.Sysname, dec: decoder{names: o.KeyNames}}
	h := b.devices.Insert(d)
	d.dec.handle = h
	b.bySysname[n.Sysname] = h

	info := o.Info
	info.Handle = h
	info.Backend = event.KindKernel
	if info.Sysname == "" {
		info.Sysname = n.Sysname
	}
	if info.Node == "" {
		info.Node = n.Path
	}
	sortAxes(info.Axes)

	b.log.Debugf("Added %s %q (%s) as %s", n.Path, info.Name, info.Caps, h)
	return event.Event{Device: h, Time: monotonicNow(), Payload: event.DeviceAdded{Device: info}}, true
}

// remove marks h removed. The descriptor stays open until Release.
func (b *Backend) remove(h event.Handle) (event.Event, bool) {
	d, ok := b.devices.Get(h)
	if !ok || d.removed {
		return event.Event{}, false
	}
	d.removed = true
	delete(b.bySysname, d.sysname)
	b.log.Debugf("Removed %s (%s)", d.sysname, h)
	return event.Event{Device: h, Time: monotonicNow(), Payload: event.DeviceRemoved{}}, true
}

// Sources returns the hotplug socket, if any, and every open device.
func (b *Backend) Sources() []event.Source {
	var srcs []event.Source
	if b.monitor != nil {
		srcs = append(srcs, event.Source{Fd: b.monitor.Fd()})
	}
	b.devices.Each(func(h event.Handle, d *device) bool {
		if !d.removed {
			srcs = append(srcs, event.Source{Fd: d.fd, Device: h})
		}
		return true
	})
	return srcs
}

// SourceFor returns the descriptor of a live device.
func (b *Backend) SourceFor(h event.Handle) (event.Source, bool) {
	d, ok := b.devices.Get(h)
	if !ok || d.removed {
		return event.Source{}, false
	}
	return event.Source{Fd: d.fd, Device: h}, true
}

// Drain decodes everything currently readable on src. Non-fatal problems
// are combined into the returned error; a hotplug socket failure is
// returned as *event.BackendError.
func (b *Backend) Drain(src event.Source) ([]event.Event, error) {
	if b.closed {
		return nil, event.ErrClosed
	}
	if src.Device.IsZero() {
		return b.drainMonitor()
	}
	d, ok := b.devices.Get(src.Device)
	if !ok || d.removed {
		return nil, nil
	}
	return b.drainDevice(src.Device, d)
}

func (b *Backend) drainMonitor() ([]event.Event, error) {
	if b.monitor == nil {
		return nil, nil
	}
	uevents, decodeErrs, err := b.monitor.Receive()

	var evs []event.Event
	var errs error
	for _, derr := range decodeErrs {
		errs = multierr.Append(errs, &event.DecodeError{Backend: event.KindKernel, Err: derr})
	}
	for _, u := range uevents {
		if !u.IsInputEvent() {
			continue
		}
		switch u.Action {
		case "add":
			if ev, ok := b.add(b.nodeFor(u)); ok {
				evs = append(evs, ev)
			}
		case "remove":
			if h, ok := b.bySysname[u.Sysname]; ok {
				if ev, ok := b.remove(h); ok {
					evs = append(evs, ev)
				}
			}
		}
	}
	if err != nil {
		errs = multierr.Append(errs, &event.BackendError{Backend: event.KindKernel, Err: err})
	}
	return evs, errs
}

func (b *Backend) nodeFor(u Uevent) Node {
	var n Node
	if r, ok := b.registry.(interface{ Lookup(string) Node }); ok {
		n = r.Lookup(u.Sysname)
	}
	n.Sysname = u.Sysname
	if u.DevName != "" {
		n.Path = filepath.Join(b.inputDir, path.Base(u.DevName))
	} else if n.Path == "" {
		n.Path = filepath.Join(b.inputDir, u.Sysname)
	}
	return n
}

func (b *Backend) drainDevice(h event.Handle, d *device) ([]event.Event, error) {
	var evs []event.Event
	var errs error
	for {
		n, err := unix.Read(d.fd, b.buf)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return evs, errs
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.ENODEV):
				if ev, ok := b.remove(h); ok {
					evs = append(evs, ev)
				}
				return evs, errs
			}
			errs = multierr.Append(errs, &event.DecodeError{Backend: event.KindKernel, Device: h, Err: err})
			return evs, errs
		}
		if n == 0 {
			if ev, ok := b.remove(h); ok {
				evs = append(evs, ev)
			}
			return evs, errs
		}

		whole := n - n%recordSize
		for off := 0; off < whole; off += recordSize {
			r := decodeRecord(b.buf[off : off+recordSize])
			p, err := d.dec.translate(r)
			switch {
			case errors.Is(err, errUnhandled):
				b.log.Warnf("Unrecognized evdev record on %s: type %d, code %d", d.sysname, r.Type, r.Code)
			case err != nil:
				errs = multierr.Append(errs, &event.DecodeError{Backend: event.KindKernel, Device: h, Err: err})
			case p != nil:
				evs = append(evs, event.Event{Device: h, Time: r.Time, Payload: p})
			}
		}
		if whole != n {
			errs = multierr.Append(errs, &event.DecodeError{
				Backend: event.KindKernel,
				Device:  h,
				Err:     fmt.Errorf("short record: %d trailing bytes", n-whole),
			})
		}
	}
}

// Release closes the descriptor of a device the reactor has deregistered.
func (b *Backend) Release(h event.Handle) error {
	d, ok := b.devices.Remove(h)
	if !ok {
		return nil
	}
	if !d.removed {
		delete(b.bySysname, d.sysname)
	}
	return unix.Close(d.fd)
}

// Close closes every device and the hotplug socket.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	var handles []event.Handle
	b.devices.Each(func(h event.Handle, _ *device) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		err = multierr.Append(err, b.Release(h))
	}
	if b.monitor != nil {
		err = multierr.Append(err, b.monitor.Close())
	}
	return err
}

func sortAxes(axes []event.AxisInfo) {
	sort.Slice(axes, func(i, j int) bool {
		if axes[i].Axis.Kind != axes[j].Axis.Kind {
			return axes[i].Axis.Kind < axes[j].Axis.Kind
		}
		return axes[i].Axis.Code < axes[j].Axis.Code
	})
}

func monotonicNow() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}
