package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	libudevPrefix = "libudev\x00"
	libudevMagic  = 0xfeedcafe
	// prefix, magic, header size, properties offset/length, subsystem and
	// devtype hashes, tag bloom filter
	libudevHeaderSize = 40
)

var errUnhandled = errors.New("unhandled record")

// Uevent is a device manager notification.
type Uevent struct {
	Action     string
	Subsystem  string
	DevPath    string
	DevName    string
	Sysname    string
	Properties map[string]string
}

// IsInputEvent reports whether u describes an evdev node.
func (u Uevent) IsInputEvent() bool {
	return u.Subsystem == "input" && strings.HasPrefix(u.Sysname, "event")
}

// ParseUevent decodes a netlink datagram sent either by udevd (libudev
// framing) or directly by the kernel ("action@devpath" header).
func ParseUevent(b []byte) (Uevent, error) {
	if bytes.HasPrefix(b, []byte(libudevPrefix)) {
		return parseLibudev(b)
	}
	return parseKernel(b)
}

func parseLibudev(b []byte) (Uevent, error) {
	if len(b) < libudevHeaderSize {
		return Uevent{}, fmt.Errorf("libudev message: short header (%d bytes)", len(b))
	}
	if magic := binary.BigEndian.Uint32(b[8:]); magic != libudevMagic {
		return Uevent{}, fmt.Errorf("libudev message: bad magic %#x", magic)
	}
	off := int(binary.NativeEndian.Uint32(b[16:]))
	n := int(binary.NativeEndian.Uint32(b[20:]))
	if off < libudevHeaderSize || n < 0 || off+n > len(b) {
		return Uevent{}, fmt.Errorf("libudev message: properties [%d:+%d] outside %d bytes", off, n, len(b))
	}
	return fromProperties(b[off : off+n])
}

func parseKernel(b []byte) (Uevent, error) {
	head, rest, ok := bytes.Cut(b, []byte{0})
	if !ok || !bytes.Contains(head, []byte("@")) {
		return Uevent{}, fmt.Errorf("kernel uevent: malformed header %q", head)
	}
	u, err := fromProperties(rest)
	if err != nil {
		return Uevent{}, err
	}
	if u.Action == "" {
		action, devpath, _ := strings.Cut(string(head), "@")
		u.Action = action
		u.DevPath = devpath
		u.Sysname = path.Base(devpath)
	}
	return u, nil
}

func fromProperties(b []byte) (Uevent, error) {
	u := Uevent{Properties: make(map[string]string)}
	for _, field := range bytes.Split(b, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		k, v, ok := bytes.Cut(field, []byte("="))
		if !ok {
			return Uevent{}, fmt.Errorf("uevent: property %q has no value", field)
		}
		u.Properties[string(k)] = string(v)
	}
	u.Action = u.Properties["ACTION"]
	u.Subsystem = u.Properties["SUBSYSTEM"]
	u.DevPath = u.Properties["DEVPATH"]
	u.DevName = u.Properties["DEVNAME"]
	if u.DevPath != "" {
		u.Sysname = path.Base(u.DevPath)
	}
	return u, nil
}
