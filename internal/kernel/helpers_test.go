package kernel

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/event"
)

// encodeRecord renders r in the kernel's native layout.
func encodeRecord(r Record) []byte {
	b := make([]byte, recordSize)
	tv := unix.NsecToTimeval(int64(r.Time))
	half := (recordSize - 8) / 2
	if half == 8 {
		binary.NativeEndian.PutUint64(b[0:], uint64(tv.Sec))
		binary.NativeEndian.PutUint64(b[8:], uint64(tv.Usec))
	} else {
		binary.NativeEndian.PutUint32(b[0:], uint32(tv.Sec))
		binary.NativeEndian.PutUint32(b[4:], uint32(tv.Usec))
	}
	off := recordSize - 8
	binary.NativeEndian.PutUint16(b[off:], r.Type)
	binary.NativeEndian.PutUint16(b[off+2:], r.Code)
	binary.NativeEndian.PutUint32(b[off+4:], uint32(r.Value))
	return b
}

// encodeLibudev frames props the way udevd broadcasts them.
func encodeLibudev(props map[string]string) []byte {
	payload := encodeProps(props)
	b := make([]byte, libudevHeaderSize, libudevHeaderSize+len(payload))
	copy(b, libudevPrefix)
	binary.BigEndian.PutUint32(b[8:], libudevMagic)
	binary.NativeEndian.PutUint32(b[12:], libudevHeaderSize)
	binary.NativeEndian.PutUint32(b[16:], libudevHeaderSize)
	binary.NativeEndian.PutUint32(b[20:], uint32(len(payload)))
	return append(b, payload...)
}

// encodeKernel frames props the way the kernel broadcasts them.
func encodeKernel(props map[string]string) []byte {
	head := props["ACTION"] + "@" + props["DEVPATH"]
	b := append([]byte(head), 0)
	return append(b, encodeProps(props)...)
}

func encodeProps(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(props[k])
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func records(rs ...Record) []byte {
	var buf bytes.Buffer
	for _, r := range rs {
		buf.Write(encodeRecord(r))
	}
	return buf.Bytes()
}

func keyRecord(code uint16, value int32) Record {
	return Record{Time: time.Second, Type: 1, Code: code, Value: value}
}

func synReportRecord() Record {
	return Record{Time: time.Second, Type: 0, Code: synReport}
}

// pipeDevice is a fake device node: the backend reads the non-blocking
// read end, the test writes records to the other.
type pipeDevice struct {
	t *testing.T
	r int
	w int
}

func newPipeDevice(t *testing.T) *pipeDevice {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	d := &pipeDevice{t: t, r: p[0], w: p[1]}
	t.Cleanup(func() {
		unix.Close(d.r)
		if d.w >= 0 {
			unix.Close(d.w)
		}
	})
	return d
}

func (d *pipeDevice) write(b []byte) {
	d.t.Helper()
	_, err := unix.Write(d.w, b)
	require.NoError(d.t, err)
}

func (d *pipeDevice) hangUp() {
	unix.Close(d.w)
	d.w = -1
}

// fakeRegistry serves a fixed node list.
type fakeRegistry struct {
	nodes []Node
	err   error
}

func (r *fakeRegistry) Enumerate() ([]Node, error) { return r.nodes, r.err }

// fakeOpener hands out pipe descriptors for known sysnames.
type fakeOpener struct {
	devices map[string]*pipeDevice
	infos   map[string]event.DeviceInfo
	opened  []string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{devices: map[string]*pipeDevice{}, infos: map[string]event.DeviceInfo{}}
}

func (o *fakeOpener) add(t *testing.T, sysname string, info event.DeviceInfo) *pipeDevice {
	d := newPipeDevice(t)
	o.devices[sysname] = d
	o.infos[sysname] = info
	return d
}

func (o *fakeOpener) open(n Node) (Opened, error) {
	d, ok := o.devices[n.Sysname]
	if !ok {
		return Opened{}, unix.ENOENT
	}
	o.opened = append(o.opened, n.Path)
	fd, err := unix.Dup(d.r)
	if err != nil {
		return Opened{}, err
	}
	return Opened{Fd: fd, Info: o.infos[n.Sysname], KeyNames: map[uint16]string{30: "KEY_A"}}, nil
}

// fdOpen reports whether fd is still an open descriptor.
func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
