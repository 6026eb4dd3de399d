package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/replikit/sync/internal/syncclientengine"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for the local replica's sync status",
	Long: `Launch a live-updating dashboard showing sync status, the pending
conflict count, and the ops pushed by the last manual sync for the local
replica.

Key bindings:
  s  Trigger a sync now
  r  Refresh
  q  Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		p := tea.NewProgram(newMonitorModel(eng, interval))
		_, err = p.Run()
		return err
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	monitorCmd.Flags().String("schema", "", "path to a JSON sync schema file")
}

type tickMsg time.Time

type monitorModel struct {
	eng      *syncclientengine.Engine
	interval time.Duration
	spinner  spinner.Model

	status     syncclientengine.SyncStatus
	conflicts  int
	lastErr    error
	lastSynced int
	quitting   bool
}

func newMonitorModel(eng *syncclientengine.Engine, interval time.Duration) monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = monitorWarnStyle
	return monitorModel{eng: eng, interval: interval, spinner: s}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick(m.interval), m.spinner.Tick)
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m monitorModel) refresh() tea.Cmd {
	return func() tea.Msg {
		status, err := m.eng.Status()
		return refreshedMsg{status: status, err: err, conflicts: len(m.eng.Conflicts())}
	}
}

type refreshedMsg struct {
	status    syncclientengine.SyncStatus
	err       error
	conflicts int
}

type syncedMsg struct {
	synced int
	err    error
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "s":
			return m, func() tea.Msg {
				result, err := m.eng.Sync(context.Background(), true)
				if err != nil {
					return syncedMsg{err: err}
				}
				return syncedMsg{synced: len(result.Synced)}
			}
		}
	case tickMsg:
		return m, tea.Batch(m.refresh(), tick(m.interval))
	case refreshedMsg:
		m.status = msg.status
		m.lastErr = msg.err
		m.conflicts = msg.conflicts
	case syncedMsg:
		m.lastSynced = msg.synced
		m.lastErr = msg.err
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

var (
	monitorTitleStyle = lipgloss.NewStyle().Bold(true)
	monitorOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	monitorWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	monitorErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}

	statusLine := string(m.status)
	switch m.status {
	case syncclientengine.StatusIdle:
		statusLine = monitorOKStyle.Render(statusLine)
	case syncclientengine.StatusSyncing:
		statusLine = m.spinner.View() + " " + monitorWarnStyle.Render(statusLine)
	case syncclientengine.StatusOffline, syncclientengine.StatusError:
		statusLine = monitorErrStyle.Render(statusLine)
	}

	out := monitorTitleStyle.Render("syncd monitor") + "\n\n"
	out += fmt.Sprintf("replica    %s\n", m.eng.ClientID())
	out += fmt.Sprintf("status     %s\n", statusLine)
	out += fmt.Sprintf("conflicts  %d\n", m.conflicts)
	if m.lastSynced > 0 {
		out += fmt.Sprintf("last sync  %d ops pushed\n", m.lastSynced)
	}
	if m.lastErr != nil {
		out += monitorErrStyle.Render(fmt.Sprintf("error      %v\n", m.lastErr))
	}
	out += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("s sync  r refresh  q quit")
	return out
}
