package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"
	"binsys/pkg/modules"
	"binsys/pkg/registry"

	"github.com/spf13/cobra"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the builtin module catalog",
	Long:  "Builds the module catalog offline and prints every module with its version, dependencies, and API methods.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfigOrDefault()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		b := bus.New(bus.Options{HistoryLimit: cfg.Bus.HistoryLimit})
		coord := coordinator.New(coordinator.Options{Bus: b, Groups: cfg.GroupsOrDefault()})
		reg := registry.New(registry.Options{Coordinator: coord, Bus: b})

		deps := modules.Deps{Bus: b, Resolver: coord.Resolver(), Log: slog.Default()}
		if err := modules.RegisterBuiltins(reg, deps, cfg); err != nil {
			fmt.Printf("failed to register builtin modules: %v\n", err)
			return
		}
		reg.Initialize(context.Background())

		infos := make([]registry.ModuleInfo, 0)
		for _, name := range reg.Discovered() {
			info, err := reg.Info(name)
			if err != nil {
				fmt.Printf("failed to inspect module %q: %v\n", name, err)
				return
			}
			infos = append(infos, info)
		}

		for _, line := range moduleLines(infos) {
			fmt.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(modulesCmd)
}

// moduleLines renders the catalog, one block of lines per module.
func moduleLines(infos []registry.ModuleInfo) []string {
	if len(infos) == 0 {
		return []string{"no modules registered"}
	}

	lines := make([]string, 0, len(infos)*4)
	for _, info := range infos {
		lines = append(lines, fmt.Sprintf("%s v%s - %s", info.Name, info.Version, info.Description))
		if len(info.Dependencies) > 0 {
			lines = append(lines, "  depends on: "+strings.Join(info.Dependencies, ", "))
		}
		if len(info.APIMethods) > 0 {
			lines = append(lines, "  api: "+strings.Join(info.APIMethods, ", "))
		}
	}

	return lines
}
