package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/sensaura/iothing/internal/version"
)

// AppName is shown in the dashboard header
const AppName = "IOTHING"

// Layout constants for responsive terminal width
const (
	MinTerminalWidth  = 72  // Minimum supported terminal width
	MinTerminalHeight = 20  // Used before the first WindowSizeMsg arrives
	MaxContentWidth   = 120 // Maximum content width before capping
)

// Color palette
var (
	PrimaryColor   = lipgloss.Color("#7D56F4") // Purple
	SecondaryColor = lipgloss.Color("#43BF6D") // Green
	WarningColor   = lipgloss.Color("#FFA500") // Orange
	ErrorColor     = lipgloss.Color("#FF5555") // Red

	TextColor      = lipgloss.Color("#FFFFFF")
	SubtleColor    = lipgloss.Color("#626262")
	BorderColor    = PrimaryColor
	HighlightColor = SecondaryColor
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(SubtleColor).
			Italic(true)

	// Device card styles
	CardTitleStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			PaddingLeft(2)

	SelectedCardTitleStyle = lipgloss.NewStyle().
				Foreground(HighlightColor).
				Bold(true).
				PaddingLeft(0)

	CardDescStyle = lipgloss.NewStyle().
			Foreground(SubtleColor).
			PaddingLeft(4)

	ConnectedStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	DisconnectedStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				Bold(true)

	StateStyle = lipgloss.NewStyle().
			Foreground(WarningColor)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor)

	MessageStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			PaddingLeft(2)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true).
			PaddingLeft(2)
)

// renderContainer wraps a screen in the application frame: a header line,
// the content and a footer with help text, inside a full-terminal border.
func renderContainer(header, content, footer string, width, height int) string {
	inner := width - 4

	headerStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.Border{Bottom: "─"}).
		BorderBottom(true).
		BorderForeground(BorderColor).
		Width(inner).
		Padding(0, 1)

	footerStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.Border{Top: "─"}).
		BorderTop(true).
		BorderForeground(BorderColor).
		Width(inner).
		Padding(0, 1)

	body := lipgloss.JoinVertical(
		lipgloss.Left,
		headerStyle.Render(header),
		lipgloss.NewStyle().Width(inner).Render(content),
		footerStyle.Render(lipgloss.NewStyle().Foreground(SubtleColor).Render(footer)),
	)

	framed := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(BorderColor).
		Width(width - 2).
		Height(height - 2).
		AlignVertical(lipgloss.Top).
		Render(body)

	return lipgloss.Place(width, height, lipgloss.Left, lipgloss.Top, framed)
}

func appTitle() string {
	return TitleStyle.Render(AppName + " " + version.Version)
}

// clampWidth keeps w within the supported range
func clampWidth(w int) int {
	if w < MinTerminalWidth {
		return MinTerminalWidth
	}
	if w > MaxContentWidth {
		return MaxContentWidth
	}
	return w
}
