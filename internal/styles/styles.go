// Package styles holds the lipgloss styles used by llmscore's terminal output.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

var (
	PrimaryColor   = lipgloss.Color("#A78BFA") // violet-400
	SuccessColor   = lipgloss.Color("#10B981")
	WarningColor   = lipgloss.Color("#F59E0B")
	ErrorColor     = lipgloss.Color("#F87171")
	MutedColor     = lipgloss.Color("#9CA3AF")
	HighlightColor = lipgloss.Color("#60A5FA")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Label   = lipgloss.NewStyle().Foreground(MutedColor).Width(12)
	Value   = lipgloss.NewStyle().Bold(true)
	Muted   = lipgloss.NewStyle().Foreground(MutedColor)
	Success = lipgloss.NewStyle().Foreground(SuccessColor)
	Warning = lipgloss.NewStyle().Foreground(WarningColor)
	Error   = lipgloss.NewStyle().Foreground(ErrorColor)
	Command = lipgloss.NewStyle().Foreground(HighlightColor).Bold(true)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Padding(0, 1)
)

// Status renders a run or task status word in its color.
func Status(s string) string {
	switch s {
	case "ok", "complete", "completed":
		return Success.Render(s)
	case "live", "interrupted", "skipped":
		return Warning.Render(s)
	case "failed", "error", "aborted":
		return Error.Render(s)
	default:
		return Muted.Render(s)
	}
}

// KV renders one "label  value" line.
func KV(label, value string) string {
	return Label.Render(label) + " " + value
}

// Truncate shortens s to width visible columns, keeping escape sequences
// intact and ending with "...". Widths of 3 or less yield "...".
func Truncate(s string, width int) string {
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}
