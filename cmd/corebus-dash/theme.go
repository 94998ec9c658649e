package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the corebus dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for corebus-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles are the pre-built lipgloss styles derived from a Theme.
type Styles struct {
	Title   lipgloss.Style
	Online  lipgloss.Style
	Offline lipgloss.Style
	Muted   lipgloss.Style
	Pane    lipgloss.Style
	Focused lipgloss.Style

	// Event kinds
	KindDone    lipgloss.Style
	KindFailed  lipgloss.Style
	KindRetry   lipgloss.Style
	KindDefault lipgloss.Style
}

// NewStyles builds the dashboard styles.
func NewStyles(theme Theme) Styles {
	pane := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(theme.Muted)
	return Styles{
		Title:       lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Online:      lipgloss.NewStyle().Foreground(theme.Success),
		Offline:     lipgloss.NewStyle().Foreground(theme.Error),
		Muted:       lipgloss.NewStyle().Foreground(theme.Muted),
		Pane:        pane,
		Focused:     pane.BorderForeground(theme.Primary),
		KindDone:    lipgloss.NewStyle().Foreground(theme.Success),
		KindFailed:  lipgloss.NewStyle().Foreground(theme.Error),
		KindRetry:   lipgloss.NewStyle().Foreground(theme.Warning),
		KindDefault: lipgloss.NewStyle().Foreground(theme.Secondary),
	}
}
