package event

import (
	"fmt"
	"strings"
)

// Caps is a device capability set.
type Caps uint8

const (
	CapKeys Caps = 1 << iota
	CapPointerMotion
	CapButtons
	CapAbsoluteAxes
	CapRelativeAxes
)

var capNames = []struct {
	cap  Caps
	name string
}{
	{CapKeys, "keys"},
	{CapPointerMotion, "pointer"},
	{CapButtons, "buttons"},
	{CapAbsoluteAxes, "abs"},
	{CapRelativeAxes, "rel"},
}

// Has reports whether every capability in o is present in c.
func (c Caps) Has(o Caps) bool {
	return c&o == o
}

func (c Caps) String() string {
	var parts []string
	for _, n := range capNames {
		if c&n.cap != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// AxisKind namespaces axis codes by where they come from.
type AxisKind uint8

const (
	AxisRelative AxisKind = iota
	AxisAbsolute
	// AxisValuator is an X input valuator number.
	AxisValuator
)

// AxisID identifies an axis within a device.
type AxisID struct {
	Kind AxisKind
	Code uint16
}

func (a AxisID) String() string {
	switch a.Kind {
	case AxisAbsolute:
		return fmt.Sprintf("abs%d", a.Code)
	case AxisValuator:
		return fmt.Sprintf("val%d", a.Code)
	default:
		return fmt.Sprintf("rel%d", a.Code)
	}
}

// AxisInfo describes the value range of one axis.
type AxisInfo struct {
	Axis       AxisID
	Min        float64
	Max        float64
	Resolution float64
}

// DeviceInfo is a snapshot describing a connected device.
type DeviceInfo struct {
	Handle  Handle
	Backend BackendKind
	Name    string
	Caps    Caps
	Axes    []AxisInfo
	// Node is the device node path for kernel devices and the X input
	// device id for display devices.
	Node string

	Sysname string
	Phys    string
	Vendor  uint16
	Product uint16
}

// Axis returns the range information for id, if the device declared one.
func (d DeviceInfo) Axis(id AxisID) (AxisInfo, bool) {
	for _, a := range d.Axes {
		if a.Axis == id {
			return a, true
		}
	}
	return AxisInfo{}, false
}
