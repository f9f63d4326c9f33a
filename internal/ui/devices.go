package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/bnema/inputmux/internal/event"
)

// DeviceTable renders devices as a bordered table.
func DeviceTable(devices []event.DeviceInfo) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			d.Handle.String(),
			d.Name,
			d.Caps.String(),
			d.Node,
			deviceID(d),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return lipgloss.NewStyle().
					Foreground(ColorPrimary).
					Bold(true).
					Padding(0, 1)
			case col == 0:
				return BackendStyle(devices[row].Backend.String()).Padding(0, 1)
			default:
				return lipgloss.NewStyle().
					Foreground(ColorText).
					Padding(0, 1)
			}
		}).
		Headers("HANDLE", "NAME", "CAPABILITIES", "NODE", "ID").
		Rows(rows...)
	return t.String()
}

func deviceID(d event.DeviceInfo) string {
	if d.Vendor == 0 && d.Product == 0 {
		return "-"
	}
	return fmt.Sprintf("%04x:%04x", d.Vendor, d.Product)
}

// DeviceSummary renders the devices block of the monitor screen.
func DeviceSummary(devices []event.DeviceInfo, width int) string {
	if len(devices) == 0 {
		return SubtleStyle.Italic(true).Render("  No devices")
	}
	lines := make([]string, 0, len(devices))
	for _, d := range devices {
		line := fmt.Sprintf("  %s %s %s",
			BackendStyle(d.Backend.String()).Render(fmt.Sprintf("%-10s", d.Handle)),
			TextStyle.Render(d.Name),
			SubtleStyle.Render("["+d.Caps.String()+"]"))
		if width > 0 && lipgloss.Width(line) > width {
			line = lipgloss.NewStyle().MaxWidth(width).Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatEvent renders one event line. name is the device name, if known.
func FormatEvent(ev event.Event, name string) string {
	handle := BackendStyle(ev.Device.Backend.String()).Render(fmt.Sprintf("%-10s", ev.Device))
	ts := SubtleStyle.Render(fmt.Sprintf("%12.6f", ev.Time.Seconds()))

	var body string
	switch ev.Payload.(type) {
	case event.DeviceAdded:
		body = SuccessStyle.Render(ev.Payload.String())
	case event.DeviceRemoved:
		body = WarningStyle.Render(fmt.Sprintf("removed %q", name))
	default:
		body = TextStyle.Render(ev.Payload.String())
	}
	return fmt.Sprintf("  %s %s %s", ts, handle, body)
}

// FormatError renders a stream error line.
func FormatError(err error) string {
	style := WarningStyle
	if event.IsFatal(err) {
		style = ErrorStyle.Bold(true)
	}
	return "  " + style.Render(err.Error())
}
