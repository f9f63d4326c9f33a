// Package event defines the backend-independent vocabulary of input events
// and device descriptors shared by every backend and the multiplexer.
package event

import (
	"fmt"
	"time"
)

// BackendKind tags the backend that produced a device or event.
type BackendKind uint8

const (
	KindUnknown BackendKind = iota
	KindKernel
	KindDisplay
)

func (k BackendKind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// Handle is a stable, process-local device identifier. A handle is never
// handed out twice, so it stays unambiguous after the device is gone.
type Handle struct {
	Backend BackendKind
	Slot    uint32
}

// IsZero reports whether h refers to no device (control sources use it).
func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) String() string {
	if h.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s#%d", h.Backend, h.Slot)
}

// Event is one immutable input occurrence.
type Event struct {
	Device Handle
	// Time is read from the producing backend's monotonic clock. Values from
	// different backends are not comparable.
	Time    time.Duration
	Payload Payload
}

func (e Event) String() string {
	return fmt.Sprintf("%s %12.6f %s", e.Device, e.Time.Seconds(), e.Payload)
}

// Payload is implemented by the closed set of event variants below.
type Payload interface {
	fmt.Stringer
	payload()
}

// Keysym is an X11 keysym value. NoSymbol means the key could not be
// resolved to a symbol.
type Keysym uint32

const NoSymbol Keysym = 0

// KeyChanged reports a key press or release.
type KeyChanged struct {
	Code    uint32
	Sym     Keysym
	Name    string
	Text    string
	Pressed bool
	Repeat  bool
}

// PointerMoved reports relative pointer motion.
type PointerMoved struct {
	DX, DY float64
}

// PointerMovedAbsolute reports an absolute pointer position in device units.
type PointerMovedAbsolute struct {
	X, Y float64
}

// ButtonChanged reports a button press or release.
type ButtonChanged struct {
	Code    uint32
	Pressed bool
}

// AxisChanged reports a new value for a device axis.
type AxisChanged struct {
	Axis  AxisID
	Value float64
}

// DeviceAdded announces a device. It precedes every other event carrying
// the same handle.
type DeviceAdded struct {
	Device DeviceInfo
}

// DeviceRemoved is the last event carrying its handle.
type DeviceRemoved struct{}

func (KeyChanged) payload()           {}
func (PointerMoved) payload()         {}
func (PointerMovedAbsolute) payload() {}
func (ButtonChanged) payload()        {}
func (AxisChanged) payload()          {}
func (DeviceAdded) payload()          {}
func (DeviceRemoved) payload()        {}

func (p KeyChanged) String() string {
	state := "released"
	switch {
	case p.Repeat:
		state = "repeat"
	case p.Pressed:
		state = "pressed"
	}
	s := fmt.Sprintf("key %d (%s) %s", p.Code, p.Name, state)
	if p.Text != "" {
		s += fmt.Sprintf(" %q", p.Text)
	}
	return s
}

func (p PointerMoved) String() string {
	return fmt.Sprintf("motion dx=%g dy=%g", p.DX, p.DY)
}

func (p PointerMovedAbsolute) String() string {
	return fmt.Sprintf("motion x=%g y=%g", p.X, p.Y)
}

func (p ButtonChanged) String() string {
	if p.Pressed {
		return fmt.Sprintf("button %d pressed", p.Code)
	}
	return fmt.Sprintf("button %d released", p.Code)
}

func (p AxisChanged) String() string {
	return fmt.Sprintf("axis %s=%g", p.Axis, p.Value)
}

func (p DeviceAdded) String() string {
	return fmt.Sprintf("added %q [%s]", p.Device.Name, p.Device.Caps)
}

func (DeviceRemoved) String() string {
	return "removed"
}

// Source is a pollable descriptor owned by a backend. Device is zero for
// control sources such as a hotplug or display socket.
type Source struct {
	Fd     int
	Device Handle
}
