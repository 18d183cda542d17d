package styles

import (
	"github.com/charmbracelet/lipgloss"

	"revchat/internal/models"
)

// Theme is the color scheme shared by every style in this package
type Theme struct {
	Primary lipgloss.Color
	User    lipgloss.Color
	Accent  lipgloss.Color

	TextMuted lipgloss.Color
	Hint      lipgloss.Color
	Border    lipgloss.Color

	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color

	// Answer modes
	ModeQA      lipgloss.Color
	ModeReview  lipgloss.Color
	ModeUnknown lipgloss.Color

	// Controller states
	StateIdle lipgloss.Color
	StateBusy lipgloss.Color
}

// DarkTheme is the default scheme
var DarkTheme = Theme{
	Primary: lipgloss.Color("#B39DDB"),
	User:    lipgloss.Color("#90CAF9"),
	Accent:  lipgloss.Color("#FFCC80"),

	TextMuted: lipgloss.Color("#888888"),
	Hint:      lipgloss.Color("#545454"),
	Border:    lipgloss.Color("#333333"),

	Success: lipgloss.Color("#A5D6A7"),
	Warning: lipgloss.Color("#FFF59D"),
	Error:   lipgloss.Color("#EF9A9A"),

	ModeQA:      lipgloss.Color("#81D4FA"),
	ModeReview:  lipgloss.Color("#CE93D8"),
	ModeUnknown: lipgloss.Color("#757575"),

	StateIdle: lipgloss.Color("#80CBC4"),
	StateBusy: lipgloss.Color("#FFB74D"),
}

// Current is the active theme
var Current = DarkTheme

// ModeColor returns the badge color for an answer mode
func ModeColor(mode models.Mode) lipgloss.Color {
	switch mode {
	case models.ModeQA:
		return Current.ModeQA
	case models.ModeReview:
		return Current.ModeReview
	default:
		return Current.ModeUnknown
	}
}
