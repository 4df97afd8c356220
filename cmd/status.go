package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"binsys/pkg/coordinator"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const defaultStatusAddress = "127.0.0.1:18890"

var statusAddress string

// statusPayload mirrors the /status response of a running instance.
type statusPayload struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	coordinator.SystemStatus
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a snapshot of a running BinSys instance",
	Long:  "Fetches /status from a running BinSys instance and prints the module and session snapshot.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		payload, err := fetchStatus(statusAddress)
		if err != nil {
			fmt.Printf("failed to fetch status: %v\n", err)
			return
		}

		fmt.Println(renderStatus(payload))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusAddress, "address", "a", defaultStatusAddress, "host:port of the running instance")
}

func fetchStatus(address string) (statusPayload, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	response, err := client.Get(statusURL(address))
	if err != nil {
		return statusPayload{}, err
	}
	defer response.Body.Close()

	var payload statusPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return statusPayload{}, fmt.Errorf("decode status response: %w", err)
	}

	return payload, nil
}

// statusURL normalizes an address flag into the /status endpoint URL.
func statusURL(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		trimmed = defaultStatusAddress
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	return strings.TrimRight(trimmed, "/") + "/status"
}

func renderStatus(payload statusPayload) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Padding(0, 1).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	active := lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	inactive := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	lines := []string{
		title.Render("BinSys " + payload.Status),
		label.Render(fmt.Sprintf(
			"uptime:%s · registered:%d · instances:%d · users:%d",
			(time.Duration(payload.UptimeSeconds) * time.Second).String(),
			payload.RegisteredModules,
			payload.LoadedInstances,
			payload.ActiveUsers,
		)),
	}

	for _, entry := range sortedStatusEntries(payload.SystemStatus) {
		style := inactive
		if entry.Status == coordinator.StatusActive {
			style = active
		}
		lines = append(lines, style.Render(moduleStatusLine(entry)))
	}

	return strings.Join(lines, "\n")
}

// moduleStatusLine renders one aligned line for a registered module.
func moduleStatusLine(entry coordinator.ModuleStatus) string {
	return fmt.Sprintf(
		"  %-16s %-10s %-10s users:%s",
		entry.Name, entry.Version, entry.Status, joinOrNone(entry.LoadedUsers),
	)
}

func sortedStatusEntries(status coordinator.SystemStatus) []coordinator.ModuleStatus {
	entries := make([]coordinator.ModuleStatus, 0, len(status.Modules))
	for _, entry := range status.Modules {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}

	return strings.Join(values, ",")
}
