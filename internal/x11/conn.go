package x11

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/sys/unix"
)

// GenericEvent is the core event code carrying extension events of
// variable length.
const GenericEvent = 35

// HandshakeTimeout bounds each blocking step of connection setup and of
// RoundTrip.
var HandshakeTimeout = 5 * time.Second

// RecordKind classifies a record read from the server.
type RecordKind uint8

const (
	KindError RecordKind = iota
	KindReply
	KindEvent
)

// Record is one complete server-to-client message.
type Record struct {
	Kind RecordKind
	Seq  uint16
	Data []byte
}

// EventCode returns the event code with the SendEvent bit cleared.
func (r Record) EventCode() byte { return r.Data[0] &^ 0x80 }

// Error is an X protocol error.
type Error struct {
	Code     byte
	Seq      uint16
	BadValue uint32
	Minor    uint16
	Major    byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("x11 error %d for request %d.%d (sequence %d, value %#x)", e.Code, e.Major, e.Minor, e.Seq, e.BadValue)
}

// ParseError decodes an error record.
func ParseError(b []byte) *Error {
	return &Error{
		Code:     b[1],
		Seq:      xgb.Get16(b[2:]),
		BadValue: xgb.Get32(b[4:]),
		Minor:    xgb.Get16(b[8:]),
		Major:    b[10],
	}
}

// Conn is a connection to an X server over a non-blocking socket. It has
// no internal goroutines; the owner reads records when the descriptor is
// readable. It is not safe for concurrent use.
type Conn struct {
	fd      int
	setup   xproto.SetupInfo
	screen  int
	seq     uint16
	in      []byte
	scratch []byte
	pending []Record
	closed  bool
}

// Dial connects to the display named by display (or $DISPLAY) and
// authenticates with the matching Xauthority entry, if any.
func Dial(display, xauthority string) (*Conn, error) {
	d, err := ParseDisplay(display)
	if err != nil {
		return nil, err
	}

	nc, err := net.Dial(d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", d.Address, err)
	}
	fd, err := detachFd(nc)
	if err != nil {
		return nil, err
	}

	var authName string
	var authData []byte
	if path, err := AuthorityPath(xauthority); err == nil {
		authName, authData, err = ReadAuthority(path, d.Host, d.Number)
		if err != nil || authName != AuthMagicCookie {
			authName, authData = "", nil
		}
	}

	c, err := NewConn(fd, authName, authData)
	if err != nil {
		return nil, err
	}
	c.screen = d.Screen
	return c, nil
}

// detachFd takes ownership of the socket under nc as a raw descriptor.
func detachFd(nc net.Conn) (int, error) {
	defer nc.Close()
	fc, ok := nc.(interface{ File() (*os.File, error) })
	if !ok {
		return -1, fmt.Errorf("unsupported connection type %T", nc)
	}
	f, err := fc.File()
	if err != nil {
		return -1, fmt.Errorf("failed to detach socket: %w", err)
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("failed to detach socket: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// NewConn performs connection setup on fd, which the Conn takes ownership
// of. The descriptor is switched to non-blocking mode.
func NewConn(fd int, authName string, authData []byte) (*Conn, error) {
	c := &Conn{fd: fd, scratch: make([]byte, 64<<10)}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set socket non-blocking: %w", err)
	}
	if err := c.handshake(authName, authData); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(authName string, authData []byte) error {
	buf := make([]byte, 12+xgb.Pad(len(authName))+xgb.Pad(len(authData)))
	buf[0] = 'l'
	xgb.Put16(buf[2:], 11)
	xgb.Put16(buf[4:], 0)
	xgb.Put16(buf[6:], uint16(len(authName)))
	xgb.Put16(buf[8:], uint16(len(authData)))
	copy(buf[12:], authName)
	copy(buf[12+xgb.Pad(len(authName)):], authData)
	if err := c.write(buf); err != nil {
		return fmt.Errorf("failed to send connection setup: %w", err)
	}

	if err := c.fillAtLeast(8); err != nil {
		return fmt.Errorf("failed to read connection setup: %w", err)
	}
	code := c.in[0]
	reasonLen := int(c.in[1])
	major, minor := xgb.Get16(c.in[2:]), xgb.Get16(c.in[4:])
	size := 8 + int(xgb.Get16(c.in[6:]))*4
	if err := c.fillAtLeast(size); err != nil {
		return fmt.Errorf("failed to read connection setup: %w", err)
	}
	reply := c.in[:size:size]
	c.in = c.in[size:]

	switch code {
	case 0:
		if 8+reasonLen > len(reply) {
			reasonLen = len(reply) - 8
		}
		return fmt.Errorf("x protocol authentication refused: %s", reply[8:8+reasonLen])
	case 2:
		return errors.New("x server requested further authentication")
	}
	if major != 11 || minor != 0 {
		return fmt.Errorf("x protocol version mismatch: %d.%d", major, minor)
	}
	xproto.SetupInfoRead(reply, &c.setup)
	return nil
}

// Fd returns the socket descriptor for readiness polling.
func (c *Conn) Fd() int { return c.fd }

// Setup returns the server's connection setup information.
func (c *Conn) Setup() *xproto.SetupInfo { return &c.setup }

// DefaultRoot returns the root window of the screen named in the display
// string.
func (c *Conn) DefaultRoot() xproto.Window {
	if c.screen < len(c.setup.Roots) {
		return c.setup.Roots[c.screen].Root
	}
	if len(c.setup.Roots) > 0 {
		return c.setup.Roots[0].Root
	}
	return 0
}

// Send writes one encoded request and returns its sequence number.
func (c *Conn) Send(req []byte) (uint16, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	if err := c.write(req); err != nil {
		return 0, err
	}
	c.seq++
	return c.seq, nil
}

// RoundTrip sends req and blocks until its reply arrives. Records that
// arrive in the meantime are kept for the next ReadRecords call.
func (c *Conn) RoundTrip(req []byte) ([]byte, error) {
	seq, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	for {
		for {
			r, ok := c.next()
			if !ok {
				break
			}
			if r.Kind != KindEvent && r.Seq == seq {
				if r.Kind == KindError {
					return nil, ParseError(r.Data)
				}
				return r.Data, nil
			}
			c.pending = append(c.pending, r)
		}
		if err := c.wait(unix.POLLIN); err != nil {
			return nil, err
		}
		if _, err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadRecords returns every complete record available without blocking.
// io.EOF is returned, after any records still buffered, once the server
// closed the connection.
func (c *Conn) ReadRecords() ([]Record, error) {
	if c.closed {
		return nil, net.ErrClosed
	}
	recs := c.pending
	c.pending = nil
	for {
		n, err := c.fill()
		for {
			r, ok := c.next()
			if !ok {
				break
			}
			recs = append(recs, r)
		}
		if err != nil {
			return recs, err
		}
		if n == 0 {
			return recs, nil
		}
	}
}

// next cuts one complete record off the input buffer.
func (c *Conn) next() (Record, bool) {
	if len(c.in) < 32 {
		return Record{}, false
	}
	size := 32
	kind := KindEvent
	switch code := c.in[0]; {
	case code == 0:
		kind = KindError
	case code == 1:
		kind = KindReply
		size += int(xgb.Get32(c.in[4:])) * 4
	case code&^0x80 == GenericEvent:
		size += int(xgb.Get32(c.in[4:])) * 4
	}
	if len(c.in) < size {
		return Record{}, false
	}
	data := make([]byte, size)
	copy(data, c.in)
	c.in = c.in[size:]
	return Record{Kind: kind, Seq: xgb.Get16(data[2:]), Data: data}, true
}

// fill appends whatever the socket has to the input buffer. It returns 0
// when the read would block and io.EOF once the peer has closed.
func (c *Conn) fill() (int, error) {
	for {
		n, err := unix.Read(c.fd, c.scratch)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		c.in = append(c.in, c.scratch[:n]...)
		return n, nil
	}
}

func (c *Conn) fillAtLeast(size int) error {
	for len(c.in) < size {
		n, err := c.fill()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := c.wait(unix.POLLIN); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) write(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(c.fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := c.wait(unix.POLLOUT); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		b = b[n:]
	}
	return nil
}

func (c *Conn) wait(events int16) error {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, int(HandshakeTimeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("timed out waiting for the x server")
		}
		return nil
	}
}

// Close closes the socket.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
