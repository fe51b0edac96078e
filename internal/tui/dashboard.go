package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/router-for-me/codexmux/internal/auth/codex"
	"github.com/router-for-me/codexmux/internal/store"
)

// Store is the read surface the dashboard consumes. Every account store
// backend satisfies it.
type Store interface {
	LoadOrderedAccounts(ctx context.Context) ([]store.AccountRef, error)
	LoadTokens(ctx context.Context, dir string) (*codex.TokenFile, error)
	ReadStatus(ctx context.Context, name string) (store.Status, error)
}

const (
	// refreshInterval is how often the dashboard re-reads the store.
	refreshInterval = 5 * time.Second
	// fetchTimeout bounds one store read pass.
	fetchTimeout = 10 * time.Second
)

// accountRow is one rendered line of the account table.
type accountRow struct {
	name        string
	isDefault   bool
	email       string
	state       string
	cooling     bool
	failures    int
	lastError   string
	lastRefresh string
}

type accountsMsg struct {
	rows []accountRow
	err  error
}

type tickMsg time.Time

// model drives the dashboard: a viewport over the account table plus a
// status bar with the last update time.
type model struct {
	store    Store
	viewport viewport.Model
	rows     []accountRow
	err      error
	updated  time.Time
	width    int
	height   int
	ready    bool
}

func newModel(st Store) model {
	return model{store: st}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchAccounts, scheduleTick())
}

func scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchAccounts reads the registry, token files, and status records into
// table rows.
func (m model) fetchAccounts() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	refs, err := m.store.LoadOrderedAccounts(ctx)
	if err != nil {
		return accountsMsg{err: err}
	}

	now := time.Now()
	rows := make([]accountRow, 0, len(refs))
	for _, ref := range refs {
		row := accountRow{name: ref.Name, isDefault: ref.Default, state: "ready"}

		file, errLoad := m.store.LoadTokens(ctx, ref.Dir)
		switch {
		case errLoad != nil:
			row.state = "unreadable"
		case file == nil:
			row.state = "no tokens"
		default:
			row.email = file.Email
			row.lastRefresh = file.LastRefresh
		}

		status, _ := m.store.ReadStatus(ctx, ref.Name)
		row.failures = status.Failures
		row.lastError = status.LastError
		if row.state == "ready" && status.CooldownUntil != "" {
			if until, errParse := time.Parse(time.RFC3339, status.CooldownUntil); errParse == nil && now.Before(until) {
				row.state = fmt.Sprintf("cooldown %s", until.Sub(now).Round(time.Second))
				row.cooling = true
			}
		}
		rows = append(rows, row)
	}
	return accountsMsg{rows: rows}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)
		m.viewport.SetContent(m.renderTable())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchAccounts, scheduleTick())

	case accountsMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.rows = msg.rows
			m.updated = time.Now()
		}
		if m.ready {
			m.viewport.SetContent(m.renderTable())
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchAccounts
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) setSize(w, h int) {
	m.width = w
	m.height = h
	// Title, help, and status bar take up the fixed rows.
	contentHeight := h - 5
	if contentHeight < 3 {
		contentHeight = 3
	}
	if !m.ready {
		m.viewport = viewport.New(w, contentHeight)
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = contentHeight
	}
}

func (m model) View() string {
	if !m.ready {
		return "loading..."
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("CodexMux Accounts"))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("r refresh · q quit"))
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")

	statusText := fmt.Sprintf("%d account(s)", len(m.rows))
	if !m.updated.IsZero() {
		statusText += fmt.Sprintf(" · updated %s", m.updated.Format("15:04:05"))
	}
	if m.err != nil {
		statusText = "error: " + m.err.Error()
	}
	sb.WriteString(statusBarStyle.Width(m.width).Render(statusText))
	return sb.String()
}

// renderTable lays out the account rows with padded columns, styling each
// cell after padding so ANSI sequences cannot skew the alignment.
func (m model) renderTable() string {
	if m.err != nil {
		return errorStyle.Render("Error: " + m.err.Error())
	}
	if len(m.rows) == 0 {
		return helpStyle.Render("No accounts registered. Run with -login to add one.")
	}

	nameW := len("NAME")
	emailW := len("EMAIL")
	stateW := len("STATE")
	refreshW := len("REFRESHED")
	for _, row := range m.rows {
		if len(row.name) > nameW {
			nameW = len(row.name)
		}
		if len(row.email) > emailW {
			emailW = len(row.email)
		}
		if len(row.state) > stateW {
			stateW = len(row.state)
		}
		if len(shortTime(row.lastRefresh)) > refreshW {
			refreshW = len(shortTime(row.lastRefresh))
		}
	}

	var lines []string
	header := fmt.Sprintf("%-*s  %-3s  %-*s  %-*s  %8s  %-*s  %s",
		nameW, "NAME", "DEF", emailW, "EMAIL", stateW, "STATE", "FAILURES", refreshW, "REFRESHED", "LAST ERROR")
	lines = append(lines, headerStyle.Render(header))

	for _, row := range m.rows {
		mark := "   "
		if row.isDefault {
			mark = defaultMarkStyle.Render(" * ")
		}
		stateCell := fmt.Sprintf("%-*s", stateW, row.state)
		switch {
		case row.state == "ready":
			stateCell = readyStyle.Render(stateCell)
		case row.cooling:
			stateCell = cooldownStyle.Render(stateCell)
		default:
			stateCell = errorStyle.Render(stateCell)
		}
		line := cellStyle.Render(fmt.Sprintf("%-*s", nameW, row.name)) +
			"  " + mark +
			"  " + cellStyle.Render(fmt.Sprintf("%-*s", emailW, row.email)) +
			"  " + stateCell +
			"  " + cellStyle.Render(fmt.Sprintf("%8d", row.failures)) +
			"  " + cellStyle.Render(fmt.Sprintf("%-*s", refreshW, shortTime(row.lastRefresh))) +
			"  " + cellStyle.Render(row.lastError)
		lines = append(lines, line)
	}

	return tableStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// shortTime compacts an RFC3339 timestamp for the table: time of day when it
// is from today, month and day otherwise.
func shortTime(value string) string {
	if value == "" {
		return "-"
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	parsed = parsed.Local()
	now := time.Now()
	if parsed.Year() == now.Year() && parsed.YearDay() == now.YearDay() {
		return parsed.Format("15:04:05")
	}
	return parsed.Format("Jan 02 15:04")
}

// Run starts the dashboard and blocks until the user quits.
func Run(st Store) error {
	program := tea.NewProgram(newModel(st), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
