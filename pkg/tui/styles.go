package tui

import "github.com/charmbracelet/lipgloss"

// Adaptive colours so the UI reads on light and dark terminals.
var (
	colorCyan    = lipgloss.AdaptiveColor{Light: "30", Dark: "86"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "245", Dark: "243"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	colorWarn    = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	colorDanger  = lipgloss.AdaptiveColor{Light: "160", Dark: "203"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "25", Dark: "75"}
	colorBar     = lipgloss.AdaptiveColor{Light: "254", Dark: "235"}
)

var (
	styleStatusBar     = lipgloss.NewStyle().Background(colorBar).Bold(true)
	styleHelp          = lipgloss.NewStyle().Foreground(colorMuted)
	styleFaint         = lipgloss.NewStyle().Foreground(colorMuted).Faint(true)
	styleDivider       = lipgloss.NewStyle().Foreground(colorMuted)
	styleSectionTitle  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Underline(true)
	styleKeyword       = lipgloss.NewStyle().Foreground(colorWarn)
	styleOK            = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError         = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	tableSelectedStyle = lipgloss.NewStyle().Reverse(true)
)

// statusColor picks the colour for a response status; informational and
// unknown codes are muted.
func statusColor(code int) lipgloss.TerminalColor {
	switch code / 100 {
	case 2:
		return colorSuccess
	case 3:
		return colorCyan
	case 4:
		return colorWarn
	case 5:
		return colorDanger
	}
	return colorMuted
}
