package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/ui"
)

var devicesBackends []string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List input devices",
	Long:  `Enumerate the devices every enabled backend can read and print them as a table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openStream(config.Get(), devicesBackends)
		if err != nil {
			return err
		}
		devices := m.Devices()
		if err := m.Close(); err != nil {
			return fmt.Errorf("failed to close backends: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderDevices(devices))
		return nil
	},
}

func init() {
	devicesCmd.Flags().StringSliceVarP(&devicesBackends, "backend", "b", nil, "Backends to enumerate (kernel, display); default from config")
	rootCmd.AddCommand(devicesCmd)
}

func renderDevices(devices []event.DeviceInfo) string {
	var output strings.Builder
	output.WriteString(ui.FormatAppHeader("INPUT DEVICES", config.GetConfigPath()))
	output.WriteString("\n\n")
	output.WriteString(ui.DeviceTable(devices))
	output.WriteString("\n\n")

	counts := map[event.BackendKind]int{}
	for _, d := range devices {
		counts[d.Backend]++
	}
	summary := fmt.Sprintf("Total: %d device(s)", len(devices))
	if len(devices) > 0 {
		summary += fmt.Sprintf(" (kernel %d, display %d)", counts[event.KindKernel], counts[event.KindDisplay])
	}
	output.WriteString(ui.SubtleStyle.Render(summary))
	return output.String()
}
