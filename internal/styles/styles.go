// Package styles holds the lipgloss palette shared by the console output.
package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// --- Color Palette ---
var (
	ColorPrimary   = lipgloss.Color("#7D56F4") // Indigo/Purple
	ColorSecondary = lipgloss.Color("#04B575") // Green
	ColorError     = lipgloss.Color("#FF5F87") // Pink/Red
	ColorWarning   = lipgloss.Color("#FFAF00") // Gold
	ColorText      = lipgloss.Color("#FAFAFA")
	ColorSubtle    = lipgloss.Color("#767676")
	ColorBorder    = lipgloss.Color("#3C3C3C")
	ColorBanner    = lipgloss.Color("#7D56F4")
)

var (
	// Section titles
	Title = lipgloss.NewStyle().
		Foreground(ColorPrimary).
		Bold(true).
		MarginTop(1)

	Text   = lipgloss.NewStyle().Foreground(ColorText)
	Subtle = lipgloss.NewStyle().Foreground(ColorSubtle)
	Label  = lipgloss.NewStyle().Foreground(ColorSubtle).Width(18)

	Value   = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)
	Active  = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)
	Error   = lipgloss.NewStyle().Foreground(ColorError)
	Warn    = lipgloss.NewStyle().Foreground(ColorWarning)
	Success = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)

	// Verdict badges
	Pass = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(ColorSecondary).
		Bold(true).
		Padding(0, 1)
	Fail = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(ColorError).
		Bold(true).
		Padding(0, 1)

	// Tables
	TableBorder = lipgloss.NewStyle().Foreground(ColorBorder)
	HeaderCell  = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true).Padding(0, 1)
	Cell        = lipgloss.NewStyle().Foreground(ColorText).Padding(0, 1)
	NumberCell  = Cell.Align(lipgloss.Right)
)
