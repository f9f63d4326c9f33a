package cmd

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/logger"
	"github.com/bnema/inputmux/internal/ui"
)

var monitorBackends []string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show devices and events in a live full-screen view",
	RunE:  runMonitor,
}

func init() {
	monitorCmd.Flags().StringSliceVarP(&monitorBackends, "backend", "b", nil, "Backends to read (kernel, display); default from config")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// Log lines would tear the alternate screen. Component loggers copy
	// the output when they are created, so this comes first.
	logger.Logger.SetOutput(io.Discard)

	m, err := openStream(config.Get(), monitorBackends)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	events, errs := m.Stream(ctx)

	p := tea.NewProgram(ui.NewMonitorModel(events, errs), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor UI failed: %w", err)
	}
	return nil
}
