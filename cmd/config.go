package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/logger"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage inputmux configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		out := cmd.OutOrStdout()
		list := func(v []string) string {
			if len(v) == 0 {
				return "(none)"
			}
			return strings.Join(v, ", ")
		}
		orDefault := func(v, def string) string {
			if v == "" {
				return def
			}
			return v
		}

		fmt.Fprintf(out, "Config file: %s\n\n", config.GetConfigPath())

		fmt.Fprintln(out, "[Backends]")
		fmt.Fprintf(out, "  Enabled: %s\n", list(cfg.Backends.Enabled))

		fmt.Fprintln(out, "\n[Kernel]")
		fmt.Fprintf(out, "  Input Dir: %s\n", cfg.Kernel.InputDir)
		fmt.Fprintf(out, "  Sysfs Dir: %s\n", cfg.Kernel.SysfsDir)
		fmt.Fprintf(out, "  Registry: %s\n", cfg.Kernel.Registry)
		fmt.Fprintf(out, "  Hotplug: %v (%s group)\n", cfg.Kernel.Hotplug, cfg.Kernel.HotplugGroup)
		fmt.Fprintf(out, "  Ignore: %s\n", list(cfg.Kernel.IgnorePatterns))

		fmt.Fprintln(out, "\n[Display]")
		fmt.Fprintf(out, "  Name: %s\n", orDefault(cfg.Display.Name, "$DISPLAY"))
		fmt.Fprintf(out, "  Xauthority: %s\n", orDefault(cfg.Display.XAuthority, "$XAUTHORITY or ~/.Xauthority"))
		fmt.Fprintf(out, "  Ignore: %s\n", list(cfg.Display.IgnorePatterns))

		fmt.Fprintln(out, "\n[Logging]")
		fmt.Fprintf(out, "  Level: %s\n", orDefault(cfg.Logging.Level, "$LOG_LEVEL"))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetConfigPath())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				logger.Infof("Configuration file already exists at: %s", configPath)
				logger.Info("Use --force to overwrite")
				return nil
			}
		}

		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration initialized at: %s", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")
	rootCmd.AddCommand(configCmd)
}
