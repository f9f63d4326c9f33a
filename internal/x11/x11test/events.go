package x11test

import (
	"math"
	"sort"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"github.com/bnema/inputmux/internal/x11"
)

func putFP3232(b []byte, v float64) {
	integral := math.Floor(v)
	xgb.Put32(b, uint32(int32(integral)))
	xgb.Put32(b[4:], uint32((v-integral)*(1<<32)))
}

func genericEvent(evtype uint16, deviceID uint16, time uint32, size int) []byte {
	b := make([]byte, xgb.Pad(size))
	b[0] = x11.GenericEvent
	b[1] = XIOpcode
	xgb.Put32(b[4:], uint32((len(b)-32)/4))
	xgb.Put16(b[8:], evtype)
	xgb.Put16(b[10:], deviceID)
	xgb.Put32(b[12:], time)
	return b
}

// Raw describes a raw input event.
type Raw struct {
	Type     uint16
	DeviceID uint16
	SourceID uint16
	Time     uint32
	Detail   uint32
	Flags    uint32
	// Valuators maps valuator numbers to values; the raw values repeat
	// them.
	Valuators map[int]float64
}

// RawEvent encodes r as an XIRawEvent.
func RawEvent(r Raw) []byte {
	var numbers []int
	for n := range r.Valuators {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	maskWords := 0
	if len(numbers) > 0 {
		maskWords = numbers[len(numbers)-1]/32 + 1
	}
	maskLen := 4 * maskWords
	b := genericEvent(r.Type, r.DeviceID, r.Time, 32+maskLen+16*len(numbers))
	xgb.Put32(b[16:], r.Detail)
	xgb.Put16(b[20:], r.SourceID)
	xgb.Put16(b[22:], uint16(maskWords))
	xgb.Put32(b[24:], r.Flags)
	for i, n := range numbers {
		b[32+n/8] |= 1 << (n % 8)
		putFP3232(b[32+maskLen+8*i:], r.Valuators[n])
		putFP3232(b[32+maskLen+8*len(numbers)+8*i:], r.Valuators[n])
	}
	return b
}

// Key encodes a raw key press or release from device on keycode.
func Key(device uint16, keycode uint32, pressed bool, time uint32) []byte {
	t := uint16(x11.XIRawKeyRelease)
	if pressed {
		t = x11.XIRawKeyPress
	}
	return RawEvent(Raw{Type: t, DeviceID: device, SourceID: device, Time: time, Detail: keycode})
}

// Button encodes a raw button press or release.
func Button(device uint16, button uint32, pressed bool, time uint32) []byte {
	t := uint16(x11.XIRawButtonRelease)
	if pressed {
		t = x11.XIRawButtonPress
	}
	return RawEvent(Raw{Type: t, DeviceID: device, SourceID: device, Time: time, Detail: button})
}

// Motion encodes raw motion carrying the given valuators.
func Motion(device uint16, time uint32, valuators map[int]float64) []byte {
	return RawEvent(Raw{Type: x11.XIRawMotion, DeviceID: device, SourceID: device, Time: time, Valuators: valuators})
}

// Hierarchy encodes an XIHierarchyEvent listing infos.
func Hierarchy(time uint32, infos ...x11.HierarchyInfo) []byte {
	b := genericEvent(x11.XIHierarchyChanged, x11.XIAllDevices, time, 32+12*len(infos))
	var flags uint32
	for i, info := range infos {
		o := b[32+12*i:]
		xgb.Put16(o, info.DeviceID)
		xgb.Put16(o[2:], info.Attachment)
		o[4] = byte(info.Use)
		if info.Enabled {
			o[5] = 1
		}
		xgb.Put32(o[8:], info.Flags)
		flags |= info.Flags
	}
	xgb.Put32(b[16:], flags)
	xgb.Put16(b[20:], uint16(len(infos)))
	return b
}

// MappingNotify encodes a core MappingNotify for request (0 modifier,
// 1 keyboard, 2 pointer).
func MappingNotify(request byte, first xproto.Keycode, count byte) []byte {
	return xproto.MappingNotifyEvent{Request: request, FirstKeycode: first, Count: count}.Bytes()
}
