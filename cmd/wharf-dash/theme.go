package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the wharf dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for wharf-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles holds the pre-built lipgloss styles used across views.
type Styles struct {
	Header    lipgloss.Style
	Col       lipgloss.Style
	Muted     lipgloss.Style
	Selected  lipgloss.Style
	NeedInput lipgloss.Style
	Centered  lipgloss.Style
}

// DefaultStyles builds the style set from a theme.
func DefaultStyles(theme Theme) Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Col:       lipgloss.NewStyle(),
		Muted:     lipgloss.NewStyle().Foreground(theme.Muted),
		Selected:  lipgloss.NewStyle().Background(theme.Primary).Foreground(lipgloss.Color("#ffffff")).Bold(true),
		NeedInput: lipgloss.NewStyle().Foreground(theme.Warning).Bold(true),
		Centered:  lipgloss.NewStyle().Padding(1, 2),
	}
}
