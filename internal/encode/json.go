// Package encode renders stream events as self-describing JSON objects,
// one per line.
package encode

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bnema/inputmux/internal/event"
)

// Struct describes ev as a protobuf Struct. info is the device the event
// belongs to and may be zero.
func Struct(ev event.Event, info event.DeviceInfo) (*structpb.Struct, error) {
	m := map[string]any{
		"device":  ev.Device.String(),
		"backend": ev.Device.Backend.String(),
		"time":    ev.Time.Seconds(),
	}
	if info.Name != "" {
		m["name"] = text(info.Name)
	}

	switch p := ev.Payload.(type) {
	case event.KeyChanged:
		m["type"] = "key"
		m["code"] = int(p.Code)
		m["pressed"] = p.Pressed
		m["repeat"] = p.Repeat
		if p.Name != "" {
			m["key"] = text(p.Name)
		}
		if p.Sym != event.NoSymbol {
			m["keysym"] = int(p.Sym)
		}
		if p.Text != "" {
			m["text"] = text(p.Text)
		}
	case event.PointerMoved:
		m["type"] = "motion"
		m["dx"] = p.DX
		m["dy"] = p.DY
	case event.PointerMovedAbsolute:
		m["type"] = "position"
		m["x"] = p.X
		m["y"] = p.Y
	case event.ButtonChanged:
		m["type"] = "button"
		m["code"] = int(p.Code)
		m["pressed"] = p.Pressed
	case event.AxisChanged:
		m["type"] = "axis"
		m["axis"] = p.Axis.String()
		m["value"] = p.Value
	case event.DeviceAdded:
		m["type"] = "added"
		m["info"] = deviceMap(p.Device)
	case event.DeviceRemoved:
		m["type"] = "removed"
	default:
		return nil, fmt.Errorf("unsupported payload %T", ev.Payload)
	}
	return structpb.NewStruct(m)
}

func deviceMap(d event.DeviceInfo) map[string]any {
	axes := make([]any, 0, len(d.Axes))
	for _, a := range d.Axes {
		axes = append(axes, map[string]any{
			"axis":       a.Axis.String(),
			"min":        a.Min,
			"max":        a.Max,
			"resolution": a.Resolution,
		})
	}
	m := map[string]any{
		"name": text(d.Name),
		"caps": d.Caps.String(),
		"node": text(d.Node),
		"axes": axes,
	}
	if d.Sysname != "" {
		m["sysname"] = text(d.Sysname)
	}
	if d.Phys != "" {
		m["phys"] = text(d.Phys)
	}
	if d.Vendor != 0 || d.Product != 0 {
		m["id"] = fmt.Sprintf("%04x:%04x", d.Vendor, d.Product)
	}
	return m
}

// text makes s valid UTF-8. Kernel device names are raw bytes and
// structpb rejects anything else.
func text(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Line marshals ev as a single line of JSON without a trailing newline.
func Line(ev event.Event, info event.DeviceInfo) ([]byte, error) {
	s, err := Struct(ev, info)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// Error describes a stream error as a JSON line.
func Error(err error) ([]byte, error) {
	m := map[string]any{
		"type":  "error",
		"error": text(err.Error()),
		"fatal": event.IsFatal(err),
	}
	s, serr := structpb.NewStruct(m)
	if serr != nil {
		return nil, serr
	}
	return protojson.Marshal(s)
}
