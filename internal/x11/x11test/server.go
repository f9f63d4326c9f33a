// Package x11test runs a scripted in-process X server over a socketpair.
// It answers the handful of requests the display backend issues and lets
// tests push events at any point.
package x11test

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/sys/unix"

	"github.com/bnema/inputmux/internal/x11"
)

const (
	// XIOpcode is the major opcode the server assigns to XInputExtension.
	XIOpcode   = 131
	firstEvent = 66
	firstError = 129

	RootWindow = xproto.Window(0x1e1)

	// XI BadDevice.
	errBadDevice = firstError
)

// Request is an extension or core request the server received.
type Request struct {
	Major byte
	Minor byte
	Body  []byte
}

// Server is a fake X server. Configure the exported fields before Start.
type Server struct {
	// Devices are reported by XIQueryDevice.
	Devices []x11.DeviceInfo
	// NoXInput makes QueryExtension report XInputExtension as absent.
	NoXInput bool

	MinKeycode        xproto.Keycode
	KeysymsPerKeycode int
	Keysyms           []xproto.Keysym
	// ModifierKeycodes has eight rows of KeycodesPerModifier entries.
	KeycodesPerModifier int
	ModifierKeycodes    []xproto.Keycode

	t  *testing.T
	fd int

	mu       sync.Mutex
	seq      uint16
	requests []Request
	hold     bool
	held     [][]byte
	done     chan struct{}
}

// Start serves on one end of a new socketpair and returns the other end,
// ready for x11.NewConn. The server stops when the test ends.
func (s *Server) Start(t *testing.T) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	s.t = t
	s.fd = fds[0]
	s.done = make(chan struct{})
	go s.serve()
	t.Cleanup(func() {
		s.Close()
		<-s.done
	})
	return fds[1]
}

// Dial starts the server and completes connection setup against it.
func (s *Server) Dial(t *testing.T) *x11.Conn {
	t.Helper()
	c, err := x11.NewConn(s.Start(t), "", nil)
	if err != nil {
		t.Fatalf("connection setup: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Close hangs up on the client.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd >= 0 {
		unix.Shutdown(s.fd, unix.SHUT_RDWR)
	}
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// HoldReplies queues replies instead of sending them until ReleaseReplies.
// Events sent meanwhile still go out immediately.
func (s *Server) HoldReplies() {
	s.mu.Lock()
	s.hold = true
	s.mu.Unlock()
}

func (s *Server) ReleaseReplies() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	for _, r := range s.held {
		s.writeLocked(r)
	}
	s.held = nil
}

// SetKeyboardMapping replaces the layout served from now on.
func (s *Server) SetKeyboardMapping(perKeycode int, syms []xproto.Keysym) {
	s.mu.Lock()
	s.KeysymsPerKeycode = perKeycode
	s.Keysyms = syms
	s.mu.Unlock()
}

// AddDevice makes a device known to later XIQueryDevice requests.
func (s *Server) AddDevice(d x11.DeviceInfo) {
	s.mu.Lock()
	s.Devices = append(s.Devices, d)
	s.mu.Unlock()
}

// RemoveDevice forgets device id.
func (s *Server) RemoveDevice(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.Devices {
		if d.ID == id {
			s.Devices = append(s.Devices[:i], s.Devices[i+1:]...)
			return
		}
	}
}

// SendEvent writes an encoded event, stamped with the last sequence
// number.
func (s *Server) SendEvent(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	xgb.Put16(b[2:], s.seq)
	s.writeLocked(b)
}

func (s *Server) serve() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		unix.Close(s.fd)
		s.fd = -1
		s.mu.Unlock()
	}()

	hdr := make([]byte, 12)
	if err := s.read(hdr); err != nil {
		return
	}
	auth := xgb.Pad(int(xgb.Get16(hdr[6:]))) + xgb.Pad(int(xgb.Get16(hdr[8:])))
	if err := s.read(make([]byte, auth)); err != nil {
		return
	}
	s.mu.Lock()
	s.writeLocked(s.setup())
	s.mu.Unlock()

	for {
		head := make([]byte, 4)
		if err := s.read(head); err != nil {
			return
		}
		size := int(xgb.Get16(head[2:])) * 4
		if size < 4 {
			return
		}
		body := make([]byte, size-4)
		if err := s.read(body); err != nil {
			return
		}
		s.handle(head[0], head[1], body)
	}
}

func (s *Server) read(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(s.fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		b = b[n:]
	}
	return nil
}

func (s *Server) writeLocked(b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(s.fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return
		}
		b = b[n:]
	}
}

func (s *Server) setup() []byte {
	info := xproto.SetupInfo{
		Status:               1,
		ProtocolMajorVersion: 11,
		ResourceIdBase:       0x400000,
		ResourceIdMask:       0x1fffff,
		VendorLen:            4,
		Vendor:               "test",
		MaximumRequestLength: 0xffff,
		RootsLen:             1,
		MinKeycode:           8,
		MaxKeycode:           255,
		Roots: []xproto.ScreenInfo{{
			Root:           RootWindow,
			WidthInPixels:  1920,
			HeightInPixels: 1080,
			RootDepth:      24,
		}},
	}
	b := info.Bytes()
	xgb.Put16(b[6:], uint16((len(b)-8)/4))
	return b
}

func (s *Server) handle(major, minor byte, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.requests = append(s.requests, Request{Major: major, Minor: minor, Body: body})

	var reply []byte
	switch {
	case major == 98:
		reply = s.queryExtension(body)
	case major == 101:
		reply = s.keyboardMapping(body)
	case major == 119:
		reply = s.modifierMapping()
	case major == XIOpcode && minor == 47:
		reply = newReply(s.seq, 0, 32)
		xgb.Put16(reply[8:], 2)
		xgb.Put16(reply[10:], 2)
	case major == XIOpcode && minor == 48:
		reply = s.queryDevice(xgb.Get16(body))
	case major == XIOpcode && minor == 46:
		// XISelectEvents has no reply.
		return
	default:
		reply = errorRecord(s.seq, 1, 0, major, uint16(minor))
	}
	if reply == nil {
		return
	}
	if s.hold {
		s.held = append(s.held, reply)
		return
	}
	s.writeLocked(reply)
}

func newReply(seq uint16, data byte, size int) []byte {
	b := make([]byte, xgb.Pad(size))
	b[0] = 1
	b[1] = data
	xgb.Put16(b[2:], seq)
	xgb.Put32(b[4:], uint32((len(b)-32)/4))
	return b
}

func errorRecord(seq uint16, code byte, value uint32, major byte, minor uint16) []byte {
	b := make([]byte, 32)
	b[1] = code
	xgb.Put16(b[2:], seq)
	xgb.Put32(b[4:], value)
	xgb.Put16(b[8:], minor)
	b[10] = major
	return b
}

func (s *Server) queryExtension(body []byte) []byte {
	name := string(body[4 : 4+int(xgb.Get16(body))])
	r := newReply(s.seq, 0, 32)
	if name == x11.XInputExtension && !s.NoXInput {
		r[8] = 1
		r[9] = XIOpcode
		r[10] = firstEvent
		r[11] = firstError
	}
	return r
}

func (s *Server) keyboardMapping(body []byte) []byte {
	first, count := int(body[0]), int(body[1])
	per := s.KeysymsPerKeycode
	if per == 0 {
		per = 1
	}
	r := newReply(s.seq, byte(per), 32+count*per*4)
	for i := 0; i < count*per; i++ {
		idx := (first-int(s.MinKeycode))*per + i
		if idx >= 0 && idx < len(s.Keysyms) {
			xgb.Put32(r[32+i*4:], uint32(s.Keysyms[idx]))
		}
	}
	return r
}

func (s *Server) modifierMapping() []byte {
	per := s.KeycodesPerModifier
	r := newReply(s.seq, byte(per), 32+8*per)
	for i, k := range s.ModifierKeycodes {
		if i < 8*per {
			r[32+i] = byte(k)
		}
	}
	return r
}

func (s *Server) queryDevice(id uint16) []byte {
	var infos []x11.DeviceInfo
	for _, d := range s.Devices {
		if id == x11.XIAllDevices || d.ID == id {
			infos = append(infos, d)
		}
	}
	if id != x11.XIAllDevices && len(infos) == 0 {
		return errorRecord(s.seq, errBadDevice, uint32(id), XIOpcode, 48)
	}

	var payload []byte
	for _, d := range infos {
		payload = append(payload, encodeDevice(d)...)
	}
	r := newReply(s.seq, 0, 32+len(payload))
	xgb.Put16(r[8:], uint16(len(infos)))
	copy(r[32:], payload)
	return r
}

func encodeDevice(d x11.DeviceInfo) []byte {
	var classes [][]byte
	if d.NumKeys > 0 {
		c := make([]byte, 8+4*d.NumKeys)
		xgb.Put16(c, x11.XIKeyClass)
		xgb.Put16(c[4:], d.ID)
		xgb.Put16(c[6:], uint16(d.NumKeys))
		classes = append(classes, c)
	}
	if d.NumButtons > 0 {
		maskWords := (d.NumButtons + 31) / 32
		c := make([]byte, 8+4*maskWords+4*d.NumButtons)
		xgb.Put16(c, x11.XIButtonClass)
		xgb.Put16(c[4:], d.ID)
		xgb.Put16(c[6:], uint16(d.NumButtons))
		classes = append(classes, c)
	}
	for _, v := range d.Valuators {
		c := make([]byte, 44)
		xgb.Put16(c, x11.XIValuatorClass)
		xgb.Put16(c[4:], d.ID)
		xgb.Put16(c[6:], v.Number)
		xgb.Put32(c[8:], uint32(v.Label))
		putFP3232(c[12:], v.Min)
		putFP3232(c[20:], v.Max)
		putFP3232(c[28:], v.Value)
		xgb.Put32(c[36:], v.Resolution)
		c[40] = v.Mode
		classes = append(classes, c)
	}

	b := make([]byte, 12+xgb.Pad(len(d.Name)))
	xgb.Put16(b, d.ID)
	xgb.Put16(b[2:], d.Use)
	xgb.Put16(b[4:], d.Attachment)
	xgb.Put16(b[6:], uint16(len(classes)))
	xgb.Put16(b[8:], uint16(len(d.Name)))
	if d.Enabled {
		b[10] = 1
	}
	copy(b[12:], d.Name)
	for _, c := range classes {
		xgb.Put16(c[2:], uint16(len(c)/4))
		b = append(b, c...)
	}
	return b
}
