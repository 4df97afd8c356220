package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"binsys/pkg/coordinator"
	"binsys/pkg/logger"
	"binsys/pkg/ui/dashboard"

	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the runtime with a live terminal dashboard",
	Long:  "Runs the BinSys module runtime and shows module status and bus events in a terminal dashboard. The HTTP endpoints stay available alongside.",
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
		log := slog.Default().With("component", "cmd.dashboard")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys, b, err := buildSystem(cfg)
		if err != nil {
			log.Error("Failed to build system", "error", err)
			return
		}

		if err := sys.Initialize(runCtx); err != nil {
			log.Error("Failed to initialize system", "error", err)
			return
		}
		defer sys.Shutdown(context.Background())

		go func() {
			if err := sys.Serve(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Status server failed", "error", err)
			}
		}()

		opts := dashboard.Options{
			Status: func(context.Context) (coordinator.SystemStatus, error) {
				return sys.Status(), nil
			},
			Bus: b,
		}
		if err := dashboard.Run(runCtx, opts); err != nil {
			log.Error("Dashboard failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
