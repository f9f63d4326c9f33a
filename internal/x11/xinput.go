package x11

import (
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

const XInputExtension = "XInputExtension"

// XInput 2 minor opcodes.
const (
	opXISelectEvents = 46
	opXIQueryVersion = 47
	opXIQueryDevice  = 48
)

// Device ids with special meaning.
const (
	XIAllDevices       = 0
	XIAllMasterDevices = 1
)

// XInput 2 event types.
const (
	XIDeviceChanged    = 1
	XIKeyPress         = 2
	XIKeyRelease       = 3
	XIButtonPress      = 4
	XIButtonRelease    = 5
	XIMotion           = 6
	XIHierarchyChanged = 11
	XIRawKeyPress      = 13
	XIRawKeyRelease    = 14
	XIRawButtonPress   = 15
	XIRawButtonRelease = 16
	XIRawMotion        = 17
)

// Device use values.
const (
	XIMasterPointer  = 1
	XIMasterKeyboard = 2
	XISlavePointer   = 3
	XISlaveKeyboard  = 4
	XIFloatingSlave  = 5
)

// Device class types.
const (
	XIKeyClass      = 0
	XIButtonClass   = 1
	XIValuatorClass = 2
	XIScrollClass   = 3
	XITouchClass    = 8
)

// Valuator modes.
const (
	ModeRelative = 0
	ModeAbsolute = 1
)

// Hierarchy change flags.
const (
	XIMasterAdded    = 1 << 0
	XIMasterRemoved  = 1 << 1
	XISlaveAdded     = 1 << 2
	XISlaveRemoved   = 1 << 3
	XISlaveAttached  = 1 << 4
	XISlaveDetached  = 1 << 5
	XIDeviceEnabled  = 1 << 6
	XIDeviceDisabled = 1 << 7
)

// XIKeyRepeat marks a raw key press generated by autorepeat.
const XIKeyRepeat = 1 << 16

// IsMaster reports whether use names a master device.
func IsMaster(use uint16) bool {
	return use == XIMasterPointer || use == XIMasterKeyboard
}

// XIQueryVersionRequest announces the client's XInput version.
func XIQueryVersionRequest(major byte, clientMajor, clientMinor uint16) []byte {
	body := make([]byte, 4)
	xgb.Put16(body, clientMajor)
	xgb.Put16(body[2:], clientMinor)
	return request(major, opXIQueryVersion, body)
}

func ParseXIQueryVersionReply(b []byte) (major, minor uint16, err error) {
	if err := checkReply(b, 32, "XIQueryVersion"); err != nil {
		return 0, 0, err
	}
	return xgb.Get16(b[8:]), xgb.Get16(b[10:]), nil
}

// EventMask selects event types for one device.
type EventMask struct {
	DeviceID uint16
	Types    []int
}

func (m EventMask) words() []uint32 {
	var w []uint32
	for _, t := range m.Types {
		for len(w) <= t/32 {
			w = append(w, 0)
		}
		w[t/32] |= 1 << (t % 32)
	}
	return w
}

// XISelectEventsRequest selects XInput events on win.
func XISelectEventsRequest(major byte, win xproto.Window, masks ...EventMask) []byte {
	size := 8
	for _, m := range masks {
		size += 4 + 4*len(m.words())
	}
	body := make([]byte, size)
	xgb.Put32(body, uint32(win))
	xgb.Put16(body[4:], uint16(len(masks)))
	b := 8
	for _, m := range masks {
		w := m.words()
		xgb.Put16(body[b:], m.DeviceID)
		xgb.Put16(body[b+2:], uint16(len(w)))
		b += 4
		for _, word := range w {
			xgb.Put32(body[b:], word)
			b += 4
		}
	}
	return request(major, opXISelectEvents, body)
}

// XIQueryDeviceRequest describes deviceID, or all devices with
// XIAllDevices.
func XIQueryDeviceRequest(major byte, deviceID uint16) []byte {
	body := make([]byte, 4)
	xgb.Put16(body, deviceID)
	return request(major, opXIQueryDevice, body)
}

// DeviceInfo is one entry of an XIQueryDevice reply.
type DeviceInfo struct {
	ID         uint16
	Use        uint16
	Attachment uint16
	Enabled    bool
	Name       string
	NumKeys    int
	NumButtons int
	Valuators  []Valuator
}

// Valuator describes one axis of a device.
type Valuator struct {
	Number     uint16
	Label      xproto.Atom
	Min        float64
	Max        float64
	Value      float64
	Resolution uint32
	Mode       byte
}

// fp3232 decodes a 32.32 fixed point number.
func fp3232(b []byte) float64 {
	return float64(int32(xgb.Get32(b))) + float64(xgb.Get32(b[4:]))/(1<<32)
}

func ParseXIQueryDeviceReply(b []byte) ([]DeviceInfo, error) {
	if err := checkReply(b, 32, "XIQueryDevice"); err != nil {
		return nil, err
	}
	n := int(xgb.Get16(b[8:]))
	infos := make([]DeviceInfo, 0, n)
	off := 32
	for i := 0; i < n; i++ {
		if off+12 > len(b) {
			return nil, fmt.Errorf("XIQueryDevice: truncated device %d", i)
		}
		d := DeviceInfo{
			ID:         xgb.Get16(b[off:]),
			Use:        xgb.Get16(b[off+2:]),
			Attachment: xgb.Get16(b[off+4:]),
			Enabled:    b[off+10] != 0,
		}
		numClasses := int(xgb.Get16(b[off+6:]))
		nameLen := int(xgb.Get16(b[off+8:]))
		off += 12
		if off+xgb.Pad(nameLen) > len(b) {
			return nil, fmt.Errorf("XIQueryDevice: truncated name of device %d", d.ID)
		}
		d.Name = string(b[off : off+nameLen])
		off += xgb.Pad(nameLen)

		for j := 0; j < numClasses; j++ {
			if off+6 > len(b) {
				return nil, fmt.Errorf("XIQueryDevice: truncated class of device %d", d.ID)
			}
			typ := xgb.Get16(b[off:])
			size := int(xgb.Get16(b[off+2:])) * 4
			if size < 6 || off+size > len(b) {
				return nil, fmt.Errorf("XIQueryDevice: class %d of device %d has bad length %d", typ, d.ID, size)
			}
			class := b[off : off+size]
			switch typ {
			case XIKeyClass:
				d.NumKeys = int(xgb.Get16(class[6:]))
			case XIButtonClass:
				d.NumButtons = int(xgb.Get16(class[6:]))
			case XIValuatorClass:
				if size < 44 {
					return nil, fmt.Errorf("XIQueryDevice: short valuator class on device %d", d.ID)
				}
				d.Valuators = append(d.Valuators, Valuator{
					Number:     xgb.Get16(class[6:]),
					Label:      xproto.Atom(xgb.Get32(class[8:])),
					Min:        fp3232(class[12:]),
					Max:        fp3232(class[20:]),
					Value:      fp3232(class[28:]),
					Resolution: xgb.Get32(class[36:]),
					Mode:       class[40],
				})
			}
			off += size
		}
		infos = append(infos, d)
	}
	return infos, nil
}

// GenericEventHeader is the common prefix of XInput 2 events.
type GenericEventHeader struct {
	Extension byte
	EvType    uint16
	DeviceID  uint16
	Time      xproto.Timestamp
}

// ParseGenericEventHeader decodes the header of a GenericEvent record.
func ParseGenericEventHeader(b []byte) (GenericEventHeader, error) {
	if len(b) < 32 || b[0]&^0x80 != GenericEvent {
		return GenericEventHeader{}, fmt.Errorf("not a generic event (%d bytes)", len(b))
	}
	return GenericEventHeader{
		Extension: b[1],
		EvType:    xgb.Get16(b[8:]),
		DeviceID:  xgb.Get16(b[10:]),
		Time:      xproto.Timestamp(xgb.Get32(b[12:])),
	}, nil
}

// RawValuator is one valuator carried by a raw event.
type RawValuator struct {
	Number int
	Value  float64
	Raw    float64
}

// RawEvent is an XIRawEvent (raw key, button and motion events).
type RawEvent struct {
	GenericEventHeader
	Detail    uint32
	SourceID  uint16
	Flags     uint32
	Valuators []RawValuator
}

func ParseRawEvent(b []byte) (RawEvent, error) {
	h, err := ParseGenericEventHeader(b)
	if err != nil {
		return RawEvent{}, err
	}
	e := RawEvent{
		GenericEventHeader: h,
		Detail:             xgb.Get32(b[16:]),
		SourceID:           xgb.Get16(b[20:]),
		Flags:              xgb.Get32(b[24:]),
	}
	maskLen := int(xgb.Get16(b[22:])) * 4
	if 32+maskLen > len(b) {
		return RawEvent{}, fmt.Errorf("raw event: valuator mask exceeds record")
	}
	mask := b[32 : 32+maskLen]
	var numbers []int
	for i := 0; i < maskLen*8; i++ {
		if mask[i/8]&(1<<(i%8)) != 0 {
			numbers = append(numbers, i)
		}
	}
	values := 32 + maskLen
	raws := values + 8*len(numbers)
	if raws+8*len(numbers) > len(b) {
		return RawEvent{}, fmt.Errorf("raw event: %d valuators exceed record", len(numbers))
	}
	for i, n := range numbers {
		e.Valuators = append(e.Valuators, RawValuator{
			Number: n,
			Value:  fp3232(b[values+8*i:]),
			Raw:    fp3232(b[raws+8*i:]),
		})
	}
	return e, nil
}

// HierarchyInfo is one device entry of a hierarchy event.
type HierarchyInfo struct {
	DeviceID   uint16
	Attachment uint16
	Use        uint16
	Enabled    bool
	Flags      uint32
}

// HierarchyEvent reports devices added, removed or reattached.
type HierarchyEvent struct {
	GenericEventHeader
	Flags uint32
	Infos []HierarchyInfo
}

func ParseHierarchyEvent(b []byte) (HierarchyEvent, error) {
	h, err := ParseGenericEventHeader(b)
	if err != nil {
		return HierarchyEvent{}, err
	}
	e := HierarchyEvent{GenericEventHeader: h, Flags: xgb.Get32(b[16:])}
	n := int(xgb.Get16(b[20:]))
	if 32+12*n > len(b) {
		return HierarchyEvent{}, fmt.Errorf("hierarchy event: %d entries exceed record", n)
	}
	for i := 0; i < n; i++ {
		info := b[32+12*i:]
		e.Infos = append(e.Infos, HierarchyInfo{
			DeviceID:   xgb.Get16(info),
			Attachment: xgb.Get16(info[2:]),
			Use:        uint16(info[4]),
			Enabled:    info[5] != 0,
			Flags:      xgb.Get32(info[8:]),
		})
	}
	return e, nil
}
