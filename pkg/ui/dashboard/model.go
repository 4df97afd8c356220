package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const eventLogLimit = 200
const refreshInterval = 2 * time.Second

type refreshTickMsg struct{}

type statusResultMsg struct {
	status coordinator.SystemStatus
	err    error
}

type eventMsg struct {
	line string
}

type model struct {
	ctx      context.Context
	statusFn StatusFunc

	theme    theme
	spinner  spinner.Model
	viewport viewport.Model

	status    coordinator.SystemStatus
	hasStatus bool
	lastErr   string
	events    []string
	width     int
	height    int
	isReady   bool
	isLoading bool
	followLog bool
}

func newModel(ctx context.Context, statusFn StatusFunc) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	vp := viewport.New(80, 10)

	return &model{
		ctx:       ctx,
		statusFn:  statusFn,
		theme:     defaultTheme(),
		spinner:   spin,
		viewport:  vp,
		width:     100,
		height:    28,
		isLoading: true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchStatusCmd(m.ctx, m.statusFn), refreshTickCmd())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case refreshTickMsg:
		return m, tea.Batch(fetchStatusCmd(m.ctx, m.statusFn), refreshTickCmd())
	case statusResultMsg:
		m.isLoading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			return m, nil
		}
		m.lastErr = ""
		m.status = typed.status
		m.hasStatus = true
		return m, nil
	case eventMsg:
		m.appendEvent(typed.line)
		m.refreshViewport(false)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "r":
			m.isLoading = true
			return m, tea.Batch(m.spinner.Tick, fetchStatusCmd(m.ctx, m.statusFn))
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		return m, nil
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 BinSys Control Center")
	meta := m.theme.headerMeta.Render(m.metaLine())
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 r refresh  ·  PgUp/PgDn scroll events  ·  End jump latest  ·  q quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s refreshing status...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 status refresh failed: " + m.lastErr)
	}

	parts := []string{
		header,
		meta,
		line,
		m.renderModuleTable(),
		m.theme.eventTitle.Render("EVENTS"),
		m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()),
		status,
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) metaLine() string {
	if !m.hasStatus {
		return "waiting for first status snapshot"
	}

	return fmt.Sprintf(
		"registered:%d · instances:%d · users:%d · groups:%d · as of %s",
		m.status.RegisteredModules,
		m.status.LoadedInstances,
		m.status.ActiveUsers,
		len(m.status.Groups),
		m.status.GeneratedAt.Format("15:04:05"),
	)
}

func (m *model) renderModuleTable() string {
	rows := []string{m.theme.tableHeader.Width(m.width - 2).Render(moduleRowText(
		"MODULE", "VERSION", "STATUS", "USERS",
	))}

	for _, entry := range sortedModules(m.status.Modules) {
		style := m.theme.rowInactive
		if entry.Status == coordinator.StatusActive {
			style = m.theme.rowActive
		}
		rows = append(rows, style.Render(moduleRowText(
			entry.Name, entry.Version, entry.Status, strings.Join(entry.LoadedUsers, ", "),
		)))
	}

	if len(rows) == 1 {
		rows = append(rows, m.theme.hint.Render("  no modules registered"))
	}

	return strings.Join(rows, "\n")
}

func (m *model) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > eventLogLimit {
		m.events = m.events[len(m.events)-eventLogLimit:]
	}
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}

	tableLines := len(m.status.Modules) + 2
	h := m.height - tableLines - 8
	if h < 5 {
		h = 5
	}

	m.viewport.Width = w
	m.viewport.Height = h
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	m.viewport.SetContent(strings.Join(m.events, "\n"))

	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func moduleRowText(name string, version string, status string, users string) string {
	return fmt.Sprintf("%-16s %-10s %-10s %s", name, version, status, users)
}

func sortedModules(modules map[string]coordinator.ModuleStatus) []coordinator.ModuleStatus {
	out := make([]coordinator.ModuleStatus, 0, len(modules))
	for _, entry := range modules {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// formatEvent renders a bus publication as one event log line.
func formatEvent(msg bus.Message) string {
	stamp := msg.Timestamp.Format("15:04:05")

	switch data := msg.Data.(type) {
	case bus.ModuleEvent:
		line := fmt.Sprintf("%s  %-22s %s", stamp, msg.Channel, data.ModuleName)
		if data.UserID != "" {
			line += " user=" + data.UserID
		}
		if data.Error != "" {
			line += " error=" + data.Error
		}
		return line
	case bus.GroupEvent:
		return fmt.Sprintf("%s  %-22s %s user=%s loaded=%s",
			stamp, msg.Channel, data.GroupName, data.UserID, strings.Join(data.Loaded, ","))
	case bus.SystemEvent:
		return fmt.Sprintf("%s  %-22s %s", stamp, msg.Channel, data.Type)
	case bus.SystemError:
		return fmt.Sprintf("%s  %-22s %s: %s", stamp, msg.Channel, data.Context, data.Error)
	default:
		return fmt.Sprintf("%s  %-22s %v", stamp, msg.Channel, msg.Data)
	}
}

func refreshTickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(_ time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func fetchStatusCmd(ctx context.Context, statusFn StatusFunc) tea.Cmd {
	return func() tea.Msg {
		status, err := statusFn(ctx)
		return statusResultMsg{status: status, err: err}
	}
}

func max(a int, b int) int {
	if a > b {
		return a
	}

	return b
}
