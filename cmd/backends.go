package cmd

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/bnema/inputmux/internal/config"
	"github.com/bnema/inputmux/internal/display"
	"github.com/bnema/inputmux/internal/kernel"
	"github.com/bnema/inputmux/internal/logger"
	"github.com/bnema/inputmux/internal/reactor"
)

// backendFactories builds each named backend from the configuration.
var backendFactories = map[string]func(*config.Config) (reactor.Backend, error){
	config.BackendKernel:  newKernelBackend,
	config.BackendDisplay: newDisplayBackend,
}

func newKernelBackend(cfg *config.Config) (reactor.Backend, error) {
	reg, err := kernel.NewRegistry(cfg.Kernel.Registry, cfg.Kernel.SysfsDir, cfg.Kernel.InputDir)
	if err != nil {
		return nil, err
	}

	var mon *kernel.Monitor
	if cfg.Kernel.Hotplug {
		group, err := kernel.GroupByName(cfg.Kernel.HotplugGroup)
		if err != nil {
			return nil, err
		}
		mon, err = kernel.NewMonitor(group)
		if err != nil {
			// Devices present at startup are still worth reading.
			logger.Warnf("Hotplug disabled: %v", err)
			mon = nil
		}
	}

	return kernel.New(kernel.Options{
		Registry:       reg,
		Monitor:        mon,
		InputDir:       cfg.Kernel.InputDir,
		IgnorePatterns: cfg.Kernel.IgnorePatterns,
	}), nil
}

func newDisplayBackend(cfg *config.Config) (reactor.Backend, error) {
	b, err := display.Dial(cfg.Display.Name, cfg.Display.XAuthority, display.Options{
		IgnorePatterns: cfg.Display.IgnorePatterns,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// openBackends tries every enabled backend in order. A backend that cannot
// be created is logged and skipped. A non-empty only replaces the
// configured list.
func openBackends(cfg *config.Config, only []string) ([]reactor.Backend, error) {
	names := cfg.Backends.Enabled
	if len(only) > 0 {
		seen := make(map[string]bool, len(only))
		for _, name := range only {
			if _, ok := backendFactories[name]; !ok {
				return nil, fmt.Errorf("unknown backend %q", name)
			}
			if seen[name] {
				return nil, fmt.Errorf("backend %q given twice", name)
			}
			seen[name] = true
		}
		names = only
	}

	var backends []reactor.Backend
	var errs error
	for _, name := range names {
		b, err := backendFactories[name](cfg)
		if err != nil {
			logger.Warnf("Failed to start %s backend: %v", name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Debugf("Using %s backend", name)
		backends = append(backends, b)
	}

	if len(backends) == 0 {
		if errs == nil {
			return nil, fmt.Errorf("no backends enabled")
		}
		return nil, fmt.Errorf("no input backend available: %w", errs)
	}
	return backends, nil
}

// openStream builds the multiplexer over every backend that starts.
func openStream(cfg *config.Config, only []string) (*reactor.Multiplexer, error) {
	backends, err := openBackends(cfg, only)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.NewEpoll()
	if err != nil {
		for _, b := range backends {
			b.Close()
		}
		return nil, err
	}
	return reactor.New(poller, backends...)
}
