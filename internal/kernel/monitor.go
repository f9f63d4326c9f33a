package kernel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Netlink multicast groups of NETLINK_KOBJECT_UEVENT.
const (
	GroupKernel = 1
	GroupUdev   = 2
)

// GroupByName maps the configuration spelling of a hotplug group.
func GroupByName(name string) (uint32, error) {
	switch name {
	case "", "udev":
		return GroupUdev, nil
	case "kernel":
		return GroupKernel, nil
	}
	return 0, fmt.Errorf("unknown hotplug group %q", name)
}

// Monitor receives device manager notifications from a datagram socket.
type Monitor struct {
	fd  int
	buf []byte
}

// NewMonitor subscribes to uevents on the given netlink group.
func NewMonitor(group uint32) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to create uevent socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket to group %d: %w", group, err)
	}
	return NewMonitorFromFd(fd), nil
}

// NewMonitorFromFd wraps an already configured non-blocking datagram
// socket. The monitor takes ownership of fd.
func NewMonitorFromFd(fd int) *Monitor {
	return &Monitor{fd: fd, buf: make([]byte, 16<<10)}
}

// Fd returns the pollable descriptor.
func (m *Monitor) Fd() int { return m.fd }

// Receive drains every queued datagram. Malformed messages are returned
// as decode errors alongside the parsed ones; a socket failure is returned
// as err.
func (m *Monitor) Receive() (events []Uevent, decodeErrs []error, err error) {
	for {
		n, _, rerr := unix.Recvfrom(m.fd, m.buf, unix.MSG_DONTWAIT)
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) {
				return events, decodeErrs, nil
			}
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			// ENOBUFS means the kernel dropped messages; the socket is still
			// usable.
			if errors.Is(rerr, unix.ENOBUFS) {
				decodeErrs = append(decodeErrs, fmt.Errorf("uevent queue overflow: %w", rerr))
				continue
			}
			return events, decodeErrs, fmt.Errorf("uevent socket: %w", rerr)
		}
		if n == 0 {
			return events, decodeErrs, errors.New("uevent socket closed")
		}
		u, perr := ParseUevent(m.buf[:n])
		if perr != nil {
			decodeErrs = append(decodeErrs, perr)
			continue
		}
		events = append(events, u)
	}
}

// Close closes the socket.
func (m *Monitor) Close() error {
	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	return err
}
