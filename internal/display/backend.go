// Package display follows every input device of an X server through
// XInput 2 raw events on the root window.
package display

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jezek/xgb/xproto"
	"go.uber.org/multierr"

	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/keymap"
	"github.com/bnema/inputmux/internal/logger"
	"github.com/bnema/inputmux/internal/x11"
)

// DefaultIgnorePatterns match the server's synthetic test devices.
var DefaultIgnorePatterns = []string{"xtest"}

// Options configures a Backend.
type Options struct {
	// IgnorePatterns are matched case-insensitively against device names.
	IgnorePatterns []string
	Logger         *log.Logger
}

type device struct {
	id   uint16
	name string
	// absolute holds the mode of valuators 0 and 1.
	absolute bool
	last     [2]float64
}

type requestKind uint8

const (
	reqQueryDevice requestKind = iota
	reqKeyboardMapping
	reqModifierMapping
)

// outstanding is a request whose reply later records must wait for.
type outstanding struct {
	seq  uint16
	kind requestKind
	id   uint16
	time time.Duration
}

// Backend is the X11 display backend. All methods must be called from one
// goroutine.
type Backend struct {
	conn   *x11.Conn
	xi     x11.ExtensionInfo
	keymap *keymap.Keymap
	ignore []string
	log    *log.Logger

	devices *event.Arena[*device]
	byID    map[uint16]event.Handle
	// skipped holds masters and ignored slaves, whose events are dropped
	// without a warning.
	skipped map[uint16]bool

	waiting []outstanding
	held    []x11.Record
	nextMap *x11.KeyboardMapping

	out    []event.Event
	errs   error
	closed bool
}

// New subscribes conn to raw input of every device and loads the
// keyboard layout. The backend owns conn from here on, also on error.
func New(conn *x11.Conn, opts Options) (*Backend, error) {
	b := &Backend{
		conn:    conn,
		log:     opts.Logger,
		devices: event.NewArena[*device](event.KindDisplay),
		byID:    make(map[uint16]event.Handle),
		skipped: make(map[uint16]bool),
	}
	if b.log == nil {
		b.log = logger.WithPrefix("display")
	}
	for _, p := range opts.IgnorePatterns {
		b.ignore = append(b.ignore, strings.ToLower(p))
	}
	if err := b.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Dial connects to the named display and creates a backend for it.
func Dial(name, xauthority string, opts Options) (*Backend, error) {
	conn, err := x11.Dial(name, xauthority)
	if err != nil {
		return nil, err
	}
	return New(conn, opts)
}

func (b *Backend) setup() error {
	xi, err := b.conn.QueryExtension(x11.XInputExtension)
	if err != nil {
		return err
	}
	if !xi.Present {
		return errors.New("X server lacks the XInput extension")
	}
	b.xi = xi

	reply, err := b.conn.RoundTrip(x11.XIQueryVersionRequest(xi.MajorOpcode, 2, 2))
	if err != nil {
		return fmt.Errorf("XIQueryVersion: %w", err)
	}
	major, minor, err := x11.ParseXIQueryVersionReply(reply)
	if err != nil {
		return err
	}
	if major < 2 {
		return fmt.Errorf("XInput %d.%d is too old, need 2.0", major, minor)
	}
	b.log.Debugf("XInput %d.%d, opcode %d", major, minor, xi.MajorOpcode)

	if _, err := b.conn.Send(x11.XISelectEventsRequest(xi.MajorOpcode, b.conn.DefaultRoot(), x11.EventMask{
		DeviceID: x11.XIAllDevices,
		Types: []int{
			x11.XIHierarchyChanged,
			x11.XIRawKeyPress,
			x11.XIRawKeyRelease,
			x11.XIRawButtonPress,
			x11.XIRawButtonRelease,
			x11.XIRawMotion,
		},
	})); err != nil {
		return fmt.Errorf("XISelectEvents: %w", err)
	}

	km, err := b.loadKeymap()
	if err != nil {
		b.log.Warnf("Keyboard layout unavailable, keys resolve to NoSymbol: %v", err)
		km = keymap.Fallback()
	}
	b.keymap = km
	return nil
}

func (b *Backend) loadKeymap() (*keymap.Keymap, error) {
	first, count := b.keycodeRange()
	reply, err := b.conn.RoundTrip(x11.GetKeyboardMappingRequest(first, count))
	if err != nil {
		return nil, fmt.Errorf("GetKeyboardMapping: %w", err)
	}
	kbd, err := x11.ParseGetKeyboardMappingReply(reply)
	if err != nil {
		return nil, err
	}
	reply, err = b.conn.RoundTrip(x11.GetModifierMappingRequest())
	if err != nil {
		return nil, fmt.Errorf("GetModifierMapping: %w", err)
	}
	mods, err := x11.ParseGetModifierMappingReply(reply)
	if err != nil {
		return nil, err
	}
	return b.compile(kbd, mods)
}

func (b *Backend) keycodeRange() (xproto.Keycode, byte) {
	s := b.conn.Setup()
	return s.MinKeycode, byte(int(s.MaxKeycode) - int(s.MinKeycode) + 1)
}

func (b *Backend) compile(kbd x11.KeyboardMapping, mods x11.ModifierMapping) (*keymap.Keymap, error) {
	first, _ := b.keycodeRange()
	return keymap.Compile(keymap.Mapping{
		MinKeycode:          first,
		KeysymsPerKeycode:   kbd.KeysymsPerKeycode,
		Keysyms:             kbd.Keysyms,
		KeycodesPerModifier: mods.KeycodesPerModifier,
		ModifierKeycodes:    mods.Keycodes,
	})
}

func (b *Backend) Kind() event.BackendKind { return event.KindDisplay }

// Enumerate describes every slave device the server knows about.
func (b *Backend) Enumerate() ([]event.Event, error) {
	if b.closed {
		return nil, event.ErrClosed
	}
	reply, err := b.conn.RoundTrip(x11.XIQueryDeviceRequest(b.xi.MajorOpcode, x11.XIAllDevices))
	if err != nil {
		return nil, fmt.Errorf("XIQueryDevice: %w", err)
	}
	infos, err := x11.ParseXIQueryDeviceReply(reply)
	if err != nil {
		return nil, err
	}
	b.out = nil
	for _, info := range infos {
		b.add(info, 0)
	}
	evs := b.out
	b.out = nil
	b.log.Debugf("Enumerated %d of %d X input devices", len(evs), len(infos))
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

func (b *Backend) add(info x11.DeviceInfo, t time.Duration) {
	if x11.IsMaster(info.Use) {
		b.skipped[info.ID] = true
		return
	}
	if h, ok := b.byID[info.ID]; ok {
		if _, live := b.devices.Get(h); live {
			return
		}
	}
	if b.ignored(info.Name) {
		b.skipped[info.ID] = true
		return
	}
	delete(b.skipped, info.ID)

	d := &device{id: info.ID, name: info.Name}
	snap := event.DeviceInfo{
		Backend: event.KindDisplay,
		Name:    info.Name,
		Node:    strconv.Itoa(int(info.ID)),
	}
	if info.NumKeys > 0 {
		snap.Caps |= event.CapKeys
	}
	if info.NumButtons > 0 {
		snap.Caps |= event.CapButtons
	}
	for _, v := range info.Valuators {
		snap.Axes = append(snap.Axes, event.AxisInfo{
			Axis:       event.AxisID{Kind: event.AxisValuator, Code: v.Number},
			Min:        v.Min,
			Max:        v.Max,
			Resolution: float64(v.Resolution),
		})
		switch {
		case v.Number <= 1 && v.Mode == x11.ModeAbsolute:
			d.absolute = true
			snap.Caps |= event.CapPointerMotion | event.CapAbsoluteAxes
		case v.Number <= 1:
			snap.Caps |= event.CapPointerMotion
		case v.Mode == x11.ModeAbsolute:
			snap.Caps |= event.CapAbsoluteAxes
		default:
			snap.Caps |= event.CapRelativeAxes
		}
	}

	h := b.devices.Insert(d)
	b.byID[info.ID] = h
	snap.Handle = h
	b.log.Debugf("Added X device %d %q (%s) as %s", info.ID, info.Name, snap.Caps, h)
	b.emit(h, t, event.DeviceAdded{Device: snap})
}

func (b *Backend) remove(id uint16, t time.Duration) {
	delete(b.skipped, id)
	h, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	b.log.Debugf("Removed X device %d (%s)", id, h)
	b.emit(h, t, event.DeviceRemoved{})
}

func (b *Backend) emit(h event.Handle, t time.Duration, p event.Payload) {
	b.out = append(b.out, event.Event{Device: h, Time: t, Payload: p})
}

func (b *Backend) decodeErr(h event.Handle, err error) {
	b.errs = multierr.Append(b.errs, &event.DecodeError{Backend: event.KindDisplay, Device: h, Err: err})
}

// Sources returns the server connection, the backend's only source.
func (b *Backend) Sources() []event.Source {
	if b.closed {
		return nil
	}
	return []event.Source{{Fd: b.conn.Fd()}}
}

// SourceFor reports false: X devices have no descriptor of their own.
func (b *Backend) SourceFor(event.Handle) (event.Source, bool) {
	return event.Source{}, false
}

// Drain decodes every record the server has sent. Losing the connection
// is returned as *event.BackendError after the events decoded before it.
func (b *Backend) Drain(event.Source) ([]event.Event, error) {
	if b.closed {
		return nil, event.ErrClosed
	}
	recs, err := b.conn.ReadRecords()
	for _, r := range recs {
		b.handle(r)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("X server closed the connection")
		}
		b.errs = multierr.Append(b.errs, &event.BackendError{Backend: event.KindDisplay, Err: err})
	}
	evs, errs := b.out, b.errs
	b.out, b.errs = nil, nil
	return evs, errs
}

// handle routes one record. While replies are outstanding, events are held
// back so that everything after a hotplug or layout change is decoded
// against the updated state.
func (b *Backend) handle(r x11.Record) {
	if r.Kind != x11.KindEvent {
		if i := b.waitingIndex(r.Seq); i >= 0 {
			o := b.waiting[i]
			b.waiting = append(b.waiting[:i], b.waiting[i+1:]...)
			b.complete(o, r)
			if len(b.waiting) == 0 {
				b.replay()
			}
			return
		}
		if r.Kind == x11.KindError {
			b.decodeErr(event.Handle{}, x11.ParseError(r.Data))
		}
		return
	}
	if len(b.waiting) > 0 {
		b.held = append(b.held, r)
		return
	}
	b.dispatch(r)
}

func (b *Backend) waitingIndex(seq uint16) int {
	for i, o := range b.waiting {
		if o.seq == seq {
			return i
		}
	}
	return -1
}

func (b *Backend) replay() {
	held := b.held
	b.held = nil
	for i, r := range held {
		if len(b.waiting) > 0 {
			b.held = append(b.held, held[i:]...)
			return
		}
		b.dispatch(r)
	}
}

func (b *Backend) send(req []byte, o outstanding) {
	seq, err := b.conn.Send(req)
	if err != nil {
		b.errs = multierr.Append(b.errs, &event.BackendError{Backend: event.KindDisplay, Err: err})
		return
	}
	o.seq = seq
	b.waiting = append(b.waiting, o)
}

func (b *Backend) complete(o outstanding, r x11.Record) {
	if r.Kind == x11.KindError {
		xerr := x11.ParseError(r.Data)
		switch o.kind {
		case reqQueryDevice:
			// The device left again before the server answered.
			b.log.Debugf("X device %d vanished before it could be described: %v", o.id, xerr)
		default:
			b.nextMap = nil
			b.decodeErr(event.Handle{}, fmt.Errorf("keyboard layout refresh: %w", xerr))
		}
		return
	}

	switch o.kind {
	case reqQueryDevice:
		infos, err := x11.ParseXIQueryDeviceReply(r.Data)
		if err != nil {
			b.decodeErr(event.Handle{}, err)
			return
		}
		for _, info := range infos {
			b.add(info, o.time)
		}
	case reqKeyboardMapping:
		kbd, err := x11.ParseGetKeyboardMappingReply(r.Data)
		if err != nil {
			b.decodeErr(event.Handle{}, err)
			return
		}
		b.nextMap = &kbd
	case reqModifierMapping:
		kbd := b.nextMap
		b.nextMap = nil
		if kbd == nil {
			return
		}
		mods, err := x11.ParseGetModifierMappingReply(r.Data)
		if err != nil {
			b.decodeErr(event.Handle{}, err)
			return
		}
		km, err := b.compile(*kbd, mods)
		if err != nil {
			b.decodeErr(event.Handle{}, fmt.Errorf("keyboard layout refresh: %w", err))
			return
		}
		km.Carry(b.keymap)
		b.keymap = km
		b.log.Debugf("Keyboard layout reloaded (%d keysyms per keycode)", kbd.KeysymsPerKeycode)
	}
}

func (b *Backend) dispatch(r x11.Record) {
	switch r.EventCode() {
	case x11.GenericEvent:
		if r.Data[1] == b.xi.MajorOpcode {
			b.dispatchXI(r.Data)
		}
	case xproto.MappingNotify:
		ev := xproto.MappingNotifyEventNew(r.Data).(xproto.MappingNotifyEvent)
		if ev.Request == xproto.MappingKeyboard || ev.Request == xproto.MappingModifier {
			b.refreshKeymap()
		}
	}
}

func (b *Backend) refreshKeymap() {
	for _, o := range b.waiting {
		if o.kind != reqQueryDevice {
			// A refresh already requested sees the newest layout too.
			return
		}
	}
	first, count := b.keycodeRange()
	b.send(x11.GetKeyboardMappingRequest(first, count), outstanding{kind: reqKeyboardMapping})
	b.send(x11.GetModifierMappingRequest(), outstanding{kind: reqModifierMapping})
}

func (b *Backend) dispatchXI(data []byte) {
	hdr, err := x11.ParseGenericEventHeader(data)
	if err != nil {
		b.decodeErr(event.Handle{}, err)
		return
	}
	switch hdr.EvType {
	case x11.XIHierarchyChanged:
		ev, err := x11.ParseHierarchyEvent(data)
		if err != nil {
			b.decodeErr(event.Handle{}, err)
			return
		}
		b.hierarchy(ev)
	case x11.XIRawKeyPress, x11.XIRawKeyRelease, x11.XIRawButtonPress, x11.XIRawButtonRelease, x11.XIRawMotion:
		ev, err := x11.ParseRawEvent(data)
		if err != nil {
			b.decodeErr(event.Handle{}, err)
			return
		}
		b.raw(ev)
	}
}

func (b *Backend) hierarchy(ev x11.HierarchyEvent) {
	t := serverTime(ev.Time)
	for _, info := range ev.Infos {
		switch {
		case info.Flags&x11.XISlaveRemoved != 0:
			b.remove(info.DeviceID, t)
		case info.Flags&x11.XISlaveAdded != 0:
			b.send(x11.XIQueryDeviceRequest(b.xi.MajorOpcode, info.DeviceID), outstanding{
				kind: reqQueryDevice,
				id:   info.DeviceID,
				time: t,
			})
		case info.Flags&x11.XIMasterAdded != 0:
			b.skipped[info.DeviceID] = true
		case info.Flags&x11.XIMasterRemoved != 0:
			delete(b.skipped, info.DeviceID)
		}
	}
}

func (b *Backend) raw(ev x11.RawEvent) {
	h, ok := b.byID[ev.DeviceID]
	if !ok {
		if !b.skipped[ev.DeviceID] {
			b.log.Warnf("Dropping event %d for unknown X device %d", ev.EvType, ev.DeviceID)
		}
		return
	}
	d, _ := b.devices.Get(h)
	t := serverTime(ev.Time)

	switch ev.EvType {
	case x11.XIRawKeyPress, x11.XIRawKeyRelease:
		pressed := ev.EvType == x11.XIRawKeyPress
		res := b.keymap.Translate(ev.Detail)
		b.keymap.Update(ev.Detail, pressed)
		k := event.KeyChanged{
			Code:    ev.Detail,
			Sym:     res.Sym,
			Name:    res.Name,
			Pressed: pressed,
			Repeat:  pressed && ev.Flags&x11.XIKeyRepeat != 0,
		}
		if pressed {
			k.Text = res.Text
		}
		b.emit(h, t, k)
	case x11.XIRawButtonPress, x11.XIRawButtonRelease:
		b.emit(h, t, event.ButtonChanged{Code: ev.Detail, Pressed: ev.EvType == x11.XIRawButtonPress})
	case x11.XIRawMotion:
		b.motion(h, d, t, ev.Valuators)
	}
}

func (b *Backend) motion(h event.Handle, d *device, t time.Duration, vals []x11.RawValuator) {
	var pointer bool
	var delta [2]float64
	for _, v := range vals {
		if v.Number > 1 {
			continue
		}
		pointer = true
		delta[v.Number] = v.Raw
		d.last[v.Number] = v.Raw
	}
	if pointer {
		if d.absolute {
			b.emit(h, t, event.PointerMovedAbsolute{X: d.last[0], Y: d.last[1]})
		} else {
			b.emit(h, t, event.PointerMoved{DX: delta[0], DY: delta[1]})
		}
	}
	for _, v := range vals {
		if v.Number > 1 {
			b.emit(h, t, event.AxisChanged{
				Axis:  event.AxisID{Kind: event.AxisValuator, Code: uint16(v.Number)},
				Value: v.Raw,
			})
		}
	}
}

// Release forgets a device the reactor has seen removed.
func (b *Backend) Release(h event.Handle) error {
	d, ok := b.devices.Remove(h)
	if ok && b.byID[d.id] == h {
		delete(b.byID, d.id)
	}
	return nil
}

// Close closes the server connection.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close()
}

func serverTime(t xproto.Timestamp) time.Duration {
	return time.Duration(t) * time.Millisecond
}
