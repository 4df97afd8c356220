// Package modules wires the builtin module factories into a registry.
package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/module"
	"binsys/pkg/modules/automation"
	"binsys/pkg/modules/monitor"
	"binsys/pkg/modules/notify"
	"binsys/pkg/modules/security"
	"binsys/pkg/registry"
)

// Deps carries the shared collaborators handed to the builtin modules.
type Deps struct {
	Bus      *bus.Bus
	Resolver module.APIResolver
	Log      *slog.Logger
}

// RegisterBuiltins adds the builtin module factories to the registry. Notify
// is only wired when it is enabled and a Telegram token is configured.
func RegisterBuiltins(reg *registry.Registry, deps Deps, cfg *config.Config) error {
	if reg == nil {
		return errors.New("registry is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	automationModule, err := automation.New(cfg.Modules.Automation, deps.Bus, deps.Log)
	if err != nil {
		return fmt.Errorf("build automation module: %w", err)
	}
	if err := reg.Add(automation.ModuleName, automationModule.Factory()); err != nil {
		return fmt.Errorf("register automation module: %w", err)
	}

	monitorModule, err := monitor.New(cfg.Modules.Monitor, deps.Resolver, deps.Log)
	if err != nil {
		return fmt.Errorf("build monitor module: %w", err)
	}
	if err := reg.Add(monitor.ModuleName, monitorModule.Factory()); err != nil {
		return fmt.Errorf("register monitor module: %w", err)
	}

	securityModule, err := security.New(cfg.Modules.Security, deps.Bus, deps.Log)
	if err != nil {
		return fmt.Errorf("build security module: %w", err)
	}
	if err := reg.Add(security.ModuleName, securityModule.Factory()); err != nil {
		return fmt.Errorf("register security module: %w", err)
	}

	if cfg.Modules.Notify.Enabled && strings.TrimSpace(cfg.Modules.Notify.Token) != "" {
		notifyModule, err := notify.New(cfg.Modules.Notify, deps.Bus, deps.Log)
		if err != nil {
			return fmt.Errorf("build notify module: %w", err)
		}
		if err := reg.Add(notify.ModuleName, notifyModule.Factory()); err != nil {
			return fmt.Errorf("register notify module: %w", err)
		}
	}

	return nil
}
