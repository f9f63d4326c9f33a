package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/logger"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "inputmux",
		Short: "inputmux - unified input event stream",
		Long: `inputmux merges the raw input of every keyboard, pointer, tablet and
joystick on the machine into one ordered event stream. Devices are read from
the kernel evdev nodes and from the X server's input extension, and hotplug
is reported as devices come and go.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search /etc/inputmux, ~/.config/inputmux, .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("display", "", "X display to read (default: $DISPLAY)")

	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("display.name", rootCmd.PersistentFlags().Lookup("display"))
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	if level := config.Get().Logging.Level; level != "" {
		if err := logger.SetLevel(level); err != nil {
			return err
		}
	}
	return nil
}
