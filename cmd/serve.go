package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/coordinator"
	"binsys/pkg/logger"
	"binsys/pkg/modules"
	"binsys/pkg/registry"
	"binsys/pkg/system"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the module runtime",
	Long:  "Runs the BinSys module runtime with its status and admin HTTP endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfigOrDefault()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys, _, err := buildSystem(cfg)
		if err != nil {
			log.Error("Failed to build system", "error", err)
			return
		}

		if err := sys.Initialize(runCtx); err != nil {
			log.Error("Failed to initialize system", "error", err)
			return
		}
		defer sys.Shutdown(context.Background())

		log.Info("BinSys started", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := sys.Serve(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Status server failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfigOrDefault resolves config.json. A missing file falls back to the
// built-in defaults; an unreadable or invalid file is an error.
func loadConfigOrDefault() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return config.Default(), nil
		}
		return nil, err
	}

	return cfg, nil
}

// buildSystem assembles the bus, coordinator, registry, and builtin modules
// behind a system facade.
func buildSystem(cfg *config.Config) (*system.System, *bus.Bus, error) {
	b := bus.New(bus.Options{HistoryLimit: cfg.Bus.HistoryLimit})
	coord := coordinator.New(coordinator.Options{Bus: b, Groups: cfg.GroupsOrDefault()})
	reg := registry.New(registry.Options{Coordinator: coord, Bus: b})

	deps := modules.Deps{Bus: b, Resolver: coord.Resolver(), Log: slog.Default()}
	if err := modules.RegisterBuiltins(reg, deps, cfg); err != nil {
		return nil, nil, fmt.Errorf("register builtin modules: %w", err)
	}

	sys, err := system.New(system.Options{Config: cfg, Bus: b, Registry: reg, Coordinator: coord})
	if err != nil {
		return nil, nil, fmt.Errorf("build system facade: %w", err)
	}

	return sys, b, nil
}
