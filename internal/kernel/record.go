package kernel

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	evdev "github.com/gvalkov/golang-evdev"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/event"
)

// recordSize is sizeof(struct input_event): a timeval followed by type,
// code and value.
var recordSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

const (
	synReport  = 0
	synDropped = 3

	btnMisc           = 0x100
	btnLastClassic    = 0x15f
	btnTriggerHappy   = 0x2c0
	btnTriggerHappy40 = 0x2e7
)

// Record is one decoded input_event.
type Record struct {
	Time  time.Duration
	Type  uint16
	Code  uint16
	Value int32
}

func decodeRecord(b []byte) Record {
	var sec, usec int64
	if (recordSize-8)/2 == 8 {
		sec = int64(binary.NativeEndian.Uint64(b[0:]))
		usec = int64(binary.NativeEndian.Uint64(b[8:]))
	} else {
		sec = int64(int32(binary.NativeEndian.Uint32(b[0:])))
		usec = int64(int32(binary.NativeEndian.Uint32(b[4:])))
	}
	off := recordSize - 8
	return Record{
		Time:  time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
		Type:  binary.NativeEndian.Uint16(b[off:]),
		Code:  binary.NativeEndian.Uint16(b[off+2:]),
		Value: int32(binary.NativeEndian.Uint32(b[off+4:])),
	}
}

func isButton(code uint16) bool {
	return (code >= btnMisc && code <= btnLastClassic) ||
		(code >= btnTriggerHappy && code <= btnTriggerHappy40)
}

// decoder turns a device's record stream into events. It carries the
// SYN_DROPPED state across reads.
type decoder struct {
	handle   event.Handle
	names    map[uint16]string
	dropping bool
}

// translate maps one record to at most one event payload.
func (d *decoder) translate(r Record) (event.Payload, error) {
	if d.dropping {
		if r.Type == evdev.EV_SYN && r.Code == synReport {
			d.dropping = false
		}
		return nil, nil
	}

	switch r.Type {
	case evdev.EV_SYN:
		if r.Code == synDropped {
			d.dropping = true
		}
		return nil, nil
	case evdev.EV_MSC:
		return nil, nil
	case evdev.EV_KEY:
		if r.Value < 0 || r.Value > 2 {
			return nil, fmt.Errorf("key %d: unexpected state %d", r.Code, r.Value)
		}
		if isButton(r.Code) {
			if r.Value == 2 {
				return nil, nil
			}
			return event.ButtonChanged{Code: uint32(r.Code), Pressed: r.Value == 1}, nil
		}
		return event.KeyChanged{
			Code:    uint32(r.Code),
			Name:    d.keyName(r.Code),
			Pressed: r.Value != 0,
			Repeat:  r.Value == 2,
		}, nil
	case evdev.EV_REL:
		switch r.Code {
		case evdev.REL_X:
			return event.PointerMoved{DX: float64(r.Value)}, nil
		case evdev.REL_Y:
			return event.PointerMoved{DY: float64(r.Value)}, nil
		}
		return event.AxisChanged{
			Axis:  event.AxisID{Kind: event.AxisRelative, Code: r.Code},
			Value: float64(r.Value),
		}, nil
	case evdev.EV_ABS:
		return event.AxisChanged{
			Axis:  event.AxisID{Kind: event.AxisAbsolute, Code: r.Code},
			Value: float64(r.Value),
		}, nil
	}
	return nil, errUnhandled
}

func (d *decoder) keyName(code uint16) string {
	if n, ok := d.names[code]; ok {
		return n
	}
	return fmt.Sprintf("KEY_%d", code)
}
