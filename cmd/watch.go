package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/encode"
	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/logger"
)

var (
	watchBackends []string
	watchFormat   string
	watchSelect   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the merged input event stream",
	Long: `Print every input event from the enabled backends, one per line, until
interrupted. Use --format json for machine readable output.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchBackends, "backend", "b", nil, "Backends to read (kernel, display); default from config")
	watchCmd.Flags().StringVarP(&watchFormat, "format", "f", "text", "Output format (text or json)")
	watchCmd.Flags().BoolVarP(&watchSelect, "select", "s", false, "Pick the devices to watch interactively")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchFormat != "text" && watchFormat != "json" {
		return fmt.Errorf("invalid format: %s (must be text or json)", watchFormat)
	}

	m, err := openStream(config.Get(), watchBackends)
	if err != nil {
		return err
	}

	var filter map[event.Handle]bool
	if watchSelect {
		filter, err = selectDevices(m.Devices())
		if err != nil {
			m.Close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, errs := m.Stream(ctx)
	p := &printer{out: cmd.OutOrStdout(), json: watchFormat == "json", filter: filter, names: map[event.Handle]event.DeviceInfo{}}
	return p.run(events, errs)
}

// selectDevices asks which of devices to keep.
func selectDevices(devices []event.DeviceInfo) (map[event.Handle]bool, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices found")
	}

	options := make([]huh.Option[event.Handle], len(devices))
	for i, d := range devices {
		options[i] = huh.NewOption(fmt.Sprintf("%s  %s [%s]", d.Handle, d.Name, d.Caps), d.Handle)
	}

	var selected []event.Handle
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[event.Handle]().
				Title("Select Devices").
				Description("Choose the devices whose events are printed").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("device selection cancelled: %w", err)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no devices selected")
	}

	filter := make(map[event.Handle]bool, len(selected))
	for _, h := range selected {
		filter[h] = true
	}
	return filter, nil
}

// printer writes stream items to out until the stream ends.
type printer struct {
	out    io.Writer
	json   bool
	filter map[event.Handle]bool
	names  map[event.Handle]event.DeviceInfo
}

func (p *printer) run(events <-chan event.Event, errs <-chan error) error {
	var terminal error
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := p.event(ev); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if event.IsTerminal(err) {
				terminal = err
			}
			p.error(err)
		}
	}
	return terminal
}

func (p *printer) event(ev event.Event) error {
	if p.filter != nil && !p.filter[ev.Device] {
		return nil
	}
	if added, ok := ev.Payload.(event.DeviceAdded); ok {
		p.names[ev.Device] = added.Device
	}
	info := p.names[ev.Device]
	if _, ok := ev.Payload.(event.DeviceRemoved); ok {
		delete(p.names, ev.Device)
	}

	if !p.json {
		_, err := fmt.Fprintln(p.out, ev)
		return err
	}
	line, err := encode.Line(ev, info)
	if err != nil {
		logger.Warnf("Skipping event: %v", err)
		return nil
	}
	_, err = fmt.Fprintf(p.out, "%s\n", line)
	return err
}

func (p *printer) error(err error) {
	if !p.json {
		logger.Warnf("%v", err)
		return
	}
	line, jerr := encode.Error(err)
	if jerr != nil {
		logger.Warnf("%v", err)
		return
	}
	fmt.Fprintf(p.out, "%s\n", line)
}
