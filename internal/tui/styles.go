// Package tui renders a live terminal dashboard of account pool status:
// registered accounts, the default marker, cooldown state, failure counters,
// and last errors, read straight from the account store.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorSuccess = lipgloss.Color("#22C55E") // green
	colorWarning = lipgloss.Color("#EAB308") // yellow
	colorError   = lipgloss.Color("#EF4444") // red
	colorMuted   = lipgloss.Color("#6B7280") // gray
	colorSurface = lipgloss.Color("#313244") // slightly lighter than bg
	colorText    = lipgloss.Color("#CDD6F4") // light text
	colorSubtext = lipgloss.Color("#A6ADC8") // dimmer text
	colorBorder  = lipgloss.Color("#45475A") // border
	colorAccent  = lipgloss.Color("#F5C2E7") // pink highlight
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSubtext)

	cellStyle = lipgloss.NewStyle().
			Foreground(colorText)

	readyStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	cooldownStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	defaultMarkStyle = lipgloss.NewStyle().
				Foreground(colorAccent).
				Bold(true)

	tableStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Background(colorSurface).
			PaddingLeft(1).
			PaddingRight(1)
)
