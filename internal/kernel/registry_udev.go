package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"
)

// UdevRegistry enumerates initialized input devices through libudev.
type UdevRegistry struct {
	u udev.Udev
}

func newUdevRegistry() (Registry, error) {
	return &UdevRegistry{}, nil
}

// Enumerate returns every initialized eventN node.
func (r *UdevRegistry) Enumerate() ([]Node, error) {
	e := r.u.NewEnumerate()
	if err := e.AddMatchSubsystem("input"); err != nil {
		return nil, fmt.Errorf("failed to match input subsystem: %w", err)
	}
	if err := e.AddMatchIsInitialized(); err != nil {
		return nil, fmt.Errorf("failed to match initialized devices: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate udev input devices: %w", err)
	}

	var nodes []Node
	for _, d := range devices {
		if !strings.HasPrefix(d.Sysname(), "event") || d.Devnode() == "" {
			continue
		}
		n := Node{
			Path:    d.Devnode(),
			Sysname: d.Sysname(),
			Syspath: d.Syspath(),
		}
		if p := d.Parent(); p != nil {
			n.Name = strings.Trim(p.SysattrValue("name"), "\" \n")
			n.Phys = strings.TrimSpace(p.SysattrValue("phys"))
		}
		n.Vendor = parseHex16(d.PropertyValue("ID_VENDOR_ID"))
		n.Product = parseHex16(d.PropertyValue("ID_MODEL_ID"))
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseHex16(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
