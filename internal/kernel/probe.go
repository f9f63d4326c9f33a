package kernel

import (
	"fmt"
	"unsafe"

	evdev "github.com/gvalkov/golang-evdev"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/event"
)

// Opened is a device node ready for reading.
type Opened struct {
	Fd   int
	Info event.DeviceInfo
	// KeyNames maps key codes to their evdev names.
	KeyNames map[uint16]string
}

// Opener opens and describes a device node.
type Opener func(Node) (Opened, error)

type absInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// ioctl request encoding (_IOC)
const (
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uintptr {
	return uintptr(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift)
}

func eviocgabs(code uint16) uintptr {
	return ioc(iocRead, 'E', 0x40+uint32(code), uint32(unsafe.Sizeof(absInfo{})))
}

func eviocsclockid() uintptr {
	return ioc(iocWrite, 'E', 0xa0, uint32(unsafe.Sizeof(int32(0))))
}

func readAbsInfo(fd int, code uint16) (absInfo, error) {
	var info absInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgabs(code), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return absInfo{}, errno
	}
	return info, nil
}

func setMonotonicClock(fd int) error {
	clk := int32(unix.CLOCK_MONOTONIC)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocsclockid(), uintptr(unsafe.Pointer(&clk)))
	if errno != 0 {
		return errno
	}
	return nil
}

// OpenDevice probes n with evdev and opens a non-blocking descriptor for
// reading its records. Timestamps are switched to the monotonic clock.
func OpenDevice(n Node) (Opened, error) {
	dev, err := evdev.Open(n.Path)
	if err != nil {
		return Opened{}, fmt.Errorf("failed to open %s: %w", n.Path, err)
	}
	defer dev.File.Close()

	fd, err := unix.Open(n.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return Opened{}, fmt.Errorf("failed to open %s: %w", n.Path, err)
	}

	o := Opened{
		Fd: fd,
		Info: event.DeviceInfo{
			Backend: event.KindKernel,
			Name:    dev.Name,
			Node:    n.Path,
			Sysname: n.Sysname,
			Phys:    dev.Phys,
			Vendor:  dev.Vendor,
			Product: dev.Product,
		},
		KeyNames: make(map[uint16]string),
	}
	if o.Info.Name == "" {
		o.Info.Name = n.Name
	}

	for capType, codes := range dev.Capabilities {
		switch capType.Type {
		case evdev.EV_KEY:
			for _, c := range codes {
				code := uint16(c.Code)
				if isButton(code) {
					o.Info.Caps |= event.CapButtons
				} else {
					o.Info.Caps |= event.CapKeys
				}
				o.KeyNames[code] = c.Name
			}
		case evdev.EV_REL:
			for _, c := range codes {
				code := uint16(c.Code)
				if code == evdev.REL_X || code == evdev.REL_Y {
					o.Info.Caps |= event.CapPointerMotion
				}
				o.Info.Caps |= event.CapRelativeAxes
				o.Info.Axes = append(o.Info.Axes, event.AxisInfo{
					Axis: event.AxisID{Kind: event.AxisRelative, Code: code},
				})
			}
		case evdev.EV_ABS:
			for _, c := range codes {
				code := uint16(c.Code)
				o.Info.Caps |= event.CapAbsoluteAxes
				axis := event.AxisInfo{Axis: event.AxisID{Kind: event.AxisAbsolute, Code: code}}
				if abs, err := readAbsInfo(fd, code); err == nil {
					axis.Min = float64(abs.Min)
					axis.Max = float64(abs.Max)
					axis.Resolution = float64(abs.Resolution)
				}
				o.Info.Axes = append(o.Info.Axes, axis)
			}
		}
	}

	// Not every driver supports the clock switch; realtime timestamps are
	// still ordered per device.
	_ = setMonotonicClock(fd)
	return o, nil
}
