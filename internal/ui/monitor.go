package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/inputmux/internal/event"
)

// EventMsg carries one event from the stream into the program.
type EventMsg struct {
	Event event.Event
}

// ErrorMsg carries a stream error.
type ErrorMsg struct {
	Err error
}

// StreamClosedMsg is sent once the stream channels are closed.
type StreamClosedMsg struct{}

// WaitForEvent returns a command that receives the next stream item.
func WaitForEvent(events <-chan event.Event, errs <-chan error) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-events:
			if !ok {
				return StreamClosedMsg{}
			}
			return EventMsg{Event: ev}
		case err, ok := <-errs:
			if !ok {
				return StreamClosedMsg{}
			}
			return ErrorMsg{Err: err}
		}
	}
}

// maxDeviceLines bounds the device block; the rest goes to the log.
const maxDeviceLines = 8

// MonitorModel is the full-screen live view of a stream: the devices
// currently connected above a scrolling event log.
type MonitorModel struct {
	events <-chan event.Event
	errs   <-chan error

	viewport viewport.Model
	spinner  spinner.Model
	ready    bool

	width  int
	height int

	devices map[event.Handle]event.DeviceInfo
	order   []event.Handle

	logs     []string
	maxLogs  int
	count    int
	errCount int
	paused   bool
	closed   bool
}

// NewMonitorModel creates a monitor reading from a running stream.
func NewMonitorModel(events <-chan event.Event, errs <-chan error) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &MonitorModel{
		events:  events,
		errs:    errs,
		spinner: s,
		devices: make(map[event.Handle]event.DeviceInfo),
		maxLogs: 1000,
	}
}

func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		WaitForEvent(m.events, m.errs),
	)
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, 1)
			m.ready = true
		}
		m.viewport.Width = msg.Width
		m.layout()
		m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "p", " ":
			m.paused = !m.paused
		case "c":
			m.logs = m.logs[:0]
			m.refresh()
		}

	case spinner.TickMsg:
		if !m.closed {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case EventMsg:
		m.apply(msg.Event)
		cmds = append(cmds, WaitForEvent(m.events, m.errs))

	case ErrorMsg:
		m.errCount++
		m.addLog(FormatError(msg.Err))
		if event.IsTerminal(msg.Err) {
			m.closed = true
		}
		m.refresh()
		cmds = append(cmds, WaitForEvent(m.events, m.errs))

	case StreamClosedMsg:
		m.closed = true
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// apply records ev in the device table and the log.
func (m *MonitorModel) apply(ev event.Event) {
	m.count++
	name := m.devices[ev.Device].Name

	switch p := ev.Payload.(type) {
	case event.DeviceAdded:
		if _, ok := m.devices[ev.Device]; !ok {
			m.order = append(m.order, ev.Device)
		}
		m.devices[ev.Device] = p.Device
		m.layout()
	case event.DeviceRemoved:
		delete(m.devices, ev.Device)
		for i, h := range m.order {
			if h == ev.Device {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.layout()
	}

	if m.paused {
		return
	}
	m.addLog(FormatEvent(ev, name))
	m.refresh()
}

func (m *MonitorModel) addLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > m.maxLogs {
		m.logs = m.logs[len(m.logs)-m.maxLogs:]
	}
}

func (m *MonitorModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderLogs())
	m.viewport.GotoBottom()
}

// layout gives the viewport whatever the header, devices and status bar
// leave over.
func (m *MonitorModel) layout() {
	if !m.ready {
		return
	}
	h := m.height - lineCount(m.renderHeader()) - lineCount(m.renderDevices()) - 1
	if h < 1 {
		h = 1
	}
	m.viewport.Height = h
}

func lineCount(s string) int {
	return strings.Count(s, "\n") + 1
}

// Devices returns the devices currently shown, in arrival order.
func (m *MonitorModel) Devices() []event.DeviceInfo {
	out := make([]event.DeviceInfo, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.devices[h])
	}
	return out
}

func (m *MonitorModel) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderDevices())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *MonitorModel) renderHeader() string {
	title := TitleStyle.Width(m.width).Render("INPUTMUX MONITOR")

	var parts []string
	if m.closed {
		parts = append(parts, ErrorStyle.Render("stream closed"))
	} else {
		parts = append(parts, m.spinner.View()+" streaming")
	}
	n := len(m.order)
	parts = append(parts, fmt.Sprintf("%d device%s", n, pluralize(n)))
	parts = append(parts, fmt.Sprintf("%d event%s", m.count, pluralize(m.count)))
	if m.errCount > 0 {
		parts = append(parts, WarningStyle.Render(fmt.Sprintf("%d error%s", m.errCount, pluralize(m.errCount))))
	}
	if m.paused {
		parts = append(parts, WarningStyle.Render("paused"))
	}
	status := StatusBarStyle.Width(m.width).Render(strings.Join(parts, " │ "))
	return title + "\n" + status
}

func (m *MonitorModel) renderDevices() string {
	devs := m.Devices()
	extra := 0
	if len(devs) > maxDeviceLines {
		extra = len(devs) - maxDeviceLines
		devs = devs[:maxDeviceLines]
	}
	s := DeviceSummary(devs, m.width)
	if extra > 0 {
		s += "\n" + SubtleStyle.Render(fmt.Sprintf("  … %d more", extra))
	}
	return s + "\n" + CreateSeparator(m.width, "─")
}

func (m *MonitorModel) renderStatusBar() string {
	controls := strings.Join([]string{
		FormatControl("q", "quit"),
		FormatControl("p", "pause"),
		FormatControl("c", "clear"),
		FormatControl("g/G", "top/bottom"),
	}, " │ ")
	return StatusBarStyle.Foreground(ColorSubtle).Width(m.width).Render(controls)
}

func (m *MonitorModel) renderLogs() string {
	if len(m.logs) == 0 {
		return SubtleStyle.Italic(true).Render("  Waiting for events...")
	}
	return strings.Join(m.logs, "\n")
}
