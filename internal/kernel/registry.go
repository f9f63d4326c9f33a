package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Node is an input device node known to the device manager.
type Node struct {
	Path    string
	Sysname string
	Syspath string

	// Attributes read from the registry, when it has them. The probe
	// overrides them with what the device itself reports.
	Name    string
	Phys    string
	Vendor  uint16
	Product uint16
}

// Registry lists the input device nodes that exist right now.
type Registry interface {
	Enumerate() ([]Node, error)
}

// NewRegistry returns the registry named by kind ("sysfs" or "udev").
func NewRegistry(kind, sysfsDir, inputDir string) (Registry, error) {
	switch kind {
	case "", "sysfs":
		return &SysfsRegistry{SysfsDir: sysfsDir, InputDir: inputDir}, nil
	case "udev":
		return newUdevRegistry()
	}
	return nil, fmt.Errorf("unknown device registry %q", kind)
}

// SysfsRegistry walks <SysfsDir>/class/input.
type SysfsRegistry struct {
	SysfsDir string
	InputDir string
}

func (r *SysfsRegistry) classDir() string {
	dir := r.SysfsDir
	if dir == "" {
		dir = "/sys"
	}
	return filepath.Join(dir, "class", "input")
}

func (r *SysfsRegistry) inputDir() string {
	if r.InputDir == "" {
		return "/dev/input"
	}
	return r.InputDir
}

// Enumerate returns every eventN node in numeric order.
func (r *SysfsRegistry) Enumerate() ([]Node, error) {
	entries, err := os.ReadDir(r.classDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read input device registry: %w", err)
	}

	var nodes []Node
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "event") {
			continue
		}
		nodes = append(nodes, r.Lookup(entry.Name()))
	}
	sort.Slice(nodes, func(i, j int) bool {
		return eventNumber(nodes[i].Sysname) < eventNumber(nodes[j].Sysname)
	})
	return nodes, nil
}

// Lookup describes the node named sysname from its sysfs attributes.
// Missing attributes are left empty.
func (r *SysfsRegistry) Lookup(sysname string) Node {
	syspath := filepath.Join(r.classDir(), sysname)
	devDir := filepath.Join(syspath, "device")
	return Node{
		Path:    filepath.Join(r.inputDir(), sysname),
		Sysname: sysname,
		Syspath: syspath,
		Name:    readAttr(devDir, "name"),
		Phys:    readAttr(devDir, "phys"),
		Vendor:  readHexAttr(devDir, "id/vendor"),
		Product: readHexAttr(devDir, "id/product"),
	}
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHexAttr(dir, name string) uint16 {
	v, err := strconv.ParseUint(readAttr(dir, name), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func eventNumber(sysname string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(sysname, "event"))
	if err != nil {
		return -1
	}
	return n
}
