// Package x11 is a minimal X11 wire client: connection setup, request
// encoding and record framing over a non-blocking socket. It speaks just
// enough of the core protocol and XInput 2 to follow input devices.
package x11

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Display is a parsed DISPLAY string.
type Display struct {
	// Network and Address are suitable for net.Dial.
	Network string
	Address string
	// Host is empty for local connections.
	Host   string
	Number int
	Screen int
}

// ParseDisplay parses name, falling back to $DISPLAY when it is empty.
// Accepted forms are ":0", ":0.1", "unix:0", "host:0", "proto/host:0" and
// "/path/to/socket:0".
func ParseDisplay(name string) (Display, error) {
	if name == "" {
		name = os.Getenv("DISPLAY")
	}
	if name == "" {
		return Display{}, errors.New("empty display string")
	}
	orig := name

	colon := strings.LastIndex(name, ":")
	if colon < 0 {
		return Display{}, fmt.Errorf("bad display string: %s", orig)
	}

	var d Display
	var protocol, socket string
	if name[0] == '/' {
		socket = name[:colon]
	} else if slash := strings.LastIndex(name[:colon], "/"); slash >= 0 {
		protocol = name[:slash]
		d.Host = name[slash+1 : colon]
	} else {
		d.Host = name[:colon]
	}

	num := name[colon+1:]
	var scr string
	if dot := strings.LastIndex(num, "."); dot >= 0 {
		num, scr = num[:dot], num[dot+1:]
	}
	var err error
	if d.Number, err = strconv.Atoi(num); err != nil || d.Number < 0 {
		return Display{}, fmt.Errorf("bad display string: %s", orig)
	}
	if scr != "" {
		if d.Screen, err = strconv.Atoi(scr); err != nil || d.Screen < 0 {
			return Display{}, fmt.Errorf("bad display string: %s", orig)
		}
	}

	switch {
	case socket != "":
		d.Network, d.Address = "unix", socket+":"+num
	case d.Host != "" && d.Host != "unix":
		if protocol == "" {
			protocol = "tcp"
		}
		d.Network, d.Address = protocol, d.Host+":"+strconv.Itoa(6000+d.Number)
	default:
		d.Host = ""
		d.Network, d.Address = "unix", "/tmp/.X11-unix/X"+num
	}
	return d, nil
}
