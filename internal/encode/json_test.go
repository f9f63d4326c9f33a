package encode

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/inputmux/internal/event"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	assert.NotContains(t, string(b), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestLine(t *testing.T) {
	h := event.Handle{Backend: event.KindDisplay, Slot: 2}
	info := event.DeviceInfo{Handle: h, Name: "AT Translated Set 2 keyboard"}

	tests := []struct {
		name    string
		payload event.Payload
		want    map[string]any
	}{
		{
			name:    "key",
			payload: event.KeyChanged{Code: 38, Sym: 'a', Name: "a", Text: "a", Pressed: true},
			want:    map[string]any{"type": "key", "code": 38.0, "keysym": 97.0, "key": "a", "text": "a", "pressed": true, "repeat": false},
		},
		{
			name:    "motion",
			payload: event.PointerMoved{DX: -3, DY: 1.5},
			want:    map[string]any{"type": "motion", "dx": -3.0, "dy": 1.5},
		},
		{
			name:    "position",
			payload: event.PointerMovedAbsolute{X: 1000, Y: 2000},
			want:    map[string]any{"type": "position", "x": 1000.0, "y": 2000.0},
		},
		{
			name:    "button",
			payload: event.ButtonChanged{Code: 272},
			want:    map[string]any{"type": "button", "code": 272.0, "pressed": false},
		},
		{
			name:    "axis",
			payload: event.AxisChanged{Axis: event.AxisID{Kind: event.AxisValuator, Code: 3}, Value: -1},
			want:    map[string]any{"type": "axis", "axis": "val3", "value": -1.0},
		},
		{
			name:    "removed",
			payload: event.DeviceRemoved{},
			want:    map[string]any{"type": "removed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Line(event.Event{Device: h, Time: 1500 * time.Millisecond, Payload: tt.payload}, info)
			require.NoError(t, err)
			m := decode(t, b)
			assert.Equal(t, "display#2", m["device"])
			assert.Equal(t, "display", m["backend"])
			assert.Equal(t, 1.5, m["time"])
			assert.Equal(t, info.Name, m["name"])
			for k, v := range tt.want {
				assert.Equal(t, v, m[k], k)
			}
		})
	}
}

func TestLine_DeviceAdded(t *testing.T) {
	h := event.Handle{Backend: event.KindKernel, Slot: 1}
	info := event.DeviceInfo{
		Handle:  h,
		Backend: event.KindKernel,
		Name:    "Flight Stick",
		Caps:    event.CapAbsoluteAxes | event.CapButtons,
		Node:    "/dev/input/event5",
		Sysname: "event5",
		Vendor:  0x046d,
		Product: 0xc215,
		Axes:    []event.AxisInfo{{Axis: event.AxisID{Kind: event.AxisAbsolute, Code: 0}, Max: 255}},
	}
	b, err := Line(event.Event{Device: h, Payload: event.DeviceAdded{Device: info}}, info)
	require.NoError(t, err)

	m := decode(t, b)
	assert.Equal(t, "added", m["type"])
	dev := m["info"].(map[string]any)
	assert.Equal(t, "buttons,abs", dev["caps"])
	assert.Equal(t, "046d:c215", dev["id"])
	assert.Equal(t, "event5", dev["sysname"])
	axes := dev["axes"].([]any)
	require.Len(t, axes, 1)
	assert.Equal(t, "abs0", axes[0].(map[string]any)["axis"])
	assert.Equal(t, 255.0, axes[0].(map[string]any)["max"])
}

func TestLine_UnknownDevice(t *testing.T) {
	b, err := Line(event.Event{Device: event.Handle{Backend: event.KindKernel, Slot: 9}, Payload: event.DeviceRemoved{}}, event.DeviceInfo{})
	require.NoError(t, err)
	_, ok := decode(t, b)["name"]
	assert.False(t, ok)
}

func TestError(t *testing.T) {
	b, err := Error(&event.BackendError{Backend: event.KindDisplay, Err: errors.New("X server closed the connection")})
	require.NoError(t, err)
	m := decode(t, b)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, true, m["fatal"])
	assert.Contains(t, m["error"], "X server closed the connection")

	b, err = Error(&event.DecodeError{Backend: event.KindKernel, Err: errors.New("short record")})
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, b)["fatal"])
}

func TestLine_InvalidUTF8Name(t *testing.T) {
	h := event.Handle{Backend: event.KindKernel, Slot: 4}
	info := event.DeviceInfo{Handle: h, Backend: event.KindKernel, Name: "USB \xff\xfe Keyboard", Phys: "usb-\xff/input0", Caps: event.CapKeys}

	b, err := Line(event.Event{Device: h, Payload: event.DeviceAdded{Device: info}}, info)
	require.NoError(t, err)
	m := decode(t, b)
	assert.Equal(t, "USB � Keyboard", m["name"])
	added := m["info"].(map[string]any)
	assert.Equal(t, "USB � Keyboard", added["name"])
	assert.Equal(t, "usb-�/input0", added["phys"])

	b, err = Line(event.Event{Device: h, Payload: event.KeyChanged{Code: 30, Name: "KEY_A", Pressed: true}}, info)
	require.NoError(t, err)
	assert.Equal(t, "key", decode(t, b)["type"])

	b, err = Error(&event.DecodeError{Backend: event.KindKernel, Device: h, Err: errors.New("short read on \xff")})
	require.NoError(t, err)
	assert.Contains(t, decode(t, b)["error"], "�")
}
