// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted in backends.enabled.
const (
	BackendKernel  = "kernel"
	BackendDisplay = "display"
)

// Config represents the application configuration
type Config struct {
	Backends BackendsConfig `mapstructure:"backends"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Display  DisplayConfig  `mapstructure:"display"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BackendsConfig selects the backends a stream is built from
type BackendsConfig struct {
	Enabled []string `mapstructure:"enabled"` // Tried in order; "kernel", "display"
}

// KernelConfig contains evdev backend settings
type KernelConfig struct {
	InputDir       string   `mapstructure:"input_dir"`
	SysfsDir       string   `mapstructure:"sysfs_dir"`
	Registry       string   `mapstructure:"registry"`      // "sysfs" or "udev"
	Hotplug        bool     `mapstructure:"hotplug"`
	HotplugGroup   string   `mapstructure:"hotplug_group"` // "udev" or "kernel"
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
}

// DisplayConfig contains X11 backend settings
type DisplayConfig struct {
	Name           string   `mapstructure:"name"` // Empty means $DISPLAY
	XAuthority     string   `mapstructure:"xauthority"`
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Backends: BackendsConfig{
			Enabled: []string{BackendKernel, BackendDisplay},
		},
		Kernel: KernelConfig{
			InputDir:     "/dev/input",
			SysfsDir:     "/sys",
			Registry:     "sysfs",
			Hotplug:      true,
			HotplugGroup: "udev",
			IgnorePatterns: []string{
				"virtual console",
				"system console",
				"console mouse",
				"speakup",
				"pc speaker",
				"hdmi",
				"video bus",
				"power button",
				"sleep button",
				"lid switch",
			},
		},
		Display: DisplayConfig{
			IgnorePatterns: []string{"xtest"},
		},
		Logging: LoggingConfig{
			Level: "", // Empty means use LOG_LEVEL env var
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("inputmux")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		// Search order is also precedence order
		viper.AddConfigPath("/etc/inputmux")
		if dir := userConfigDir(); dir != "" {
			viper.AddConfigPath(dir)
		}
		viper.AddConfigPath(".")
	}

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("backends.enabled", DefaultConfig.Backends.Enabled)

	viper.SetDefault("kernel.input_dir", DefaultConfig.Kernel.InputDir)
	viper.SetDefault("kernel.sysfs_dir", DefaultConfig.Kernel.SysfsDir)
	viper.SetDefault("kernel.registry", DefaultConfig.Kernel.Registry)
	viper.SetDefault("kernel.hotplug", DefaultConfig.Kernel.Hotplug)
	viper.SetDefault("kernel.hotplug_group", DefaultConfig.Kernel.HotplugGroup)
	viper.SetDefault("kernel.ignore_patterns", DefaultConfig.Kernel.IgnorePatterns)

	viper.SetDefault("display.name", DefaultConfig.Display.Name)
	viper.SetDefault("display.xauthority", DefaultConfig.Display.XAuthority)
	viper.SetDefault("display.ignore_patterns", DefaultConfig.Display.IgnorePatterns)

	viper.SetDefault("logging.level", DefaultConfig.Logging.Level)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return nil
}

// Validate rejects values no backend can be built from
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Backends.Enabled))
	for _, name := range c.Backends.Enabled {
		switch name {
		case BackendKernel, BackendDisplay:
		default:
			return fmt.Errorf("backends.enabled: unknown backend %q", name)
		}
		if seen[name] {
			return fmt.Errorf("backends.enabled: %q listed twice", name)
		}
		seen[name] = true
	}
	switch c.Kernel.Registry {
	case "", "sysfs", "udev":
	default:
		return fmt.Errorf("kernel.registry: must be sysfs or udev, got %q", c.Kernel.Registry)
	}
	switch c.Kernel.HotplugGroup {
	case "", "udev", "kernel":
	default:
		return fmt.Errorf("kernel.hotplug_group: must be udev or kernel, got %q", c.Kernel.HotplugGroup)
	}
	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		// If we can't create it (e.g., /etc/inputmux needs sudo), provide helpful message
		if os.IsPermission(err) && strings.Contains(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	// Check if config file is already loaded
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	// For root/sudo, prefer system config
	if os.Getuid() == 0 || os.Getenv("SUDO_USER") != "" {
		return "/etc/inputmux/inputmux.toml"
	}

	dir := userConfigDir()
	if dir == "" {
		return "/etc/inputmux/inputmux.toml"
	}
	return filepath.Join(dir, "inputmux.toml")
}

// userConfigDir returns the per-user config directory, honouring
// XDG_CONFIG_HOME and the invoking user under sudo.
func userConfigDir() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return filepath.Join("/home", sudoUser, ".config", "inputmux")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "inputmux")
	}
	if home := os.Getenv("HOME"); home != "" && home != "/root" {
		return filepath.Join(home, ".config", "inputmux")
	}
	return ""
}

// BackendEnabled reports whether name is listed in backends.enabled.
func (c *Config) BackendEnabled(name string) bool {
	for _, b := range c.Backends.Enabled {
		if b == name {
			return true
		}
	}
	return false
}
