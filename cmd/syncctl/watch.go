package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/syncular/syncular/internal/clientconfig"
	"github.com/syncular/syncular/internal/store/clientstore"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live outbox and cursor status view",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openClientDB()
		if err != nil {
			return fmt.Errorf("open client db: %w", err)
		}
		defer db.Close()

		m := newWatchModel(db, clientconfig.GetPartitionID(), watchInterval)
		_, err = tea.NewProgram(m).Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

type watchTickMsg time.Time

type watchStats struct {
	appliedThrough int64
	pendingID      string
	pendingAttempt int
	conflictCount  int
	err            error
}

// watchModel is a minimal bubbletea status view, generalizing the teacher's
// pkg/monitor TUI polling loop (tick on an interval, re-render from a fresh
// DB read) down to the fields this binary actually has local state for.
type watchModel struct {
	db          *clientstore.DB
	partitionID string
	interval    time.Duration
	stats       watchStats
	spinner     spinner.Model
}

func newWatchModel(db *clientstore.DB, partitionID string, interval time.Duration) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	return watchModel{db: db, partitionID: partitionID, interval: interval, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.spinner.Tick)
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) refresh() watchStats {
	ctx := context.Background()
	var s watchStats
	s.appliedThrough, s.err = m.db.GetAppliedThrough(ctx, m.partitionID)
	if s.err != nil {
		return s
	}
	if pending, ok, err := m.db.OldestPending(ctx); err != nil {
		s.err = err
		return s
	} else if ok {
		s.pendingID = pending.ClientCommitID
		s.pendingAttempt = pending.Attempts
	}
	conflicts, err := m.db.ListConflicts(ctx)
	if err != nil {
		s.err = err
		return s
	}
	s.conflictCount = len(conflicts)
	return s
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case watchTickMsg:
		m.stats = m.refresh()
		return m, m.tick()
	}
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	watchLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m watchModel) View() string {
	if m.stats.err != nil {
		return watchWarnStyle.Render(fmt.Sprintf("error: %v\n", m.stats.err))
	}
	pending := "none"
	if m.stats.pendingID != "" {
		pending = fmt.Sprintf("%s (attempts=%d)", m.stats.pendingID, m.stats.pendingAttempt)
	}
	conflicts := fmt.Sprintf("%d", m.stats.conflictCount)
	if m.stats.conflictCount > 0 {
		conflicts = watchWarnStyle.Render(conflicts)
	}
	return fmt.Sprintf(
		"%s %s\n\n%s %s\n%s %s\n%s %s\n\n%s\n",
		m.spinner.View(), watchTitleStyle.Render("syncctl watch — "+m.partitionID),
		watchLabelStyle.Render("applied through:"), fmt.Sprint(m.stats.appliedThrough),
		watchLabelStyle.Render("oldest pending: "), pending,
		watchLabelStyle.Render("conflicts:      "), conflicts,
		watchLabelStyle.Render("press q to quit"),
	)
}
