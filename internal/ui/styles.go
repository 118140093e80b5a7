package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/meridian-obs/contimg/internal/types"
)

// Palette. Adaptive pairs keep output readable on light terminals.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "25", Dark: "39"}   // blue
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}   // green
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"} // orange
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "196"} // red
	ColorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "240"} // grey
)

// Status icons used by CLI renderers.
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)

	// HeaderStyle renders section titles.
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

// RenderPass paints s in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn paints s in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail paints s in the failure color.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted paints s in the muted color.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderAccent paints s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// StateColor maps pipeline state names onto the palette. Group, work item,
// and product states share vocabulary: terminal good states are green,
// in-flight states blue, waiting states grey, and anything stuck is red or
// orange.
func StateColor(state string) lipgloss.Style {
	switch state {
	case string(types.GroupCompleted), string(types.ProductPublished),
		string(types.CalActive):
		return passStyle
	case string(types.GroupInProgress), string(types.ProductPublishing),
		string(types.ProductValidated):
		return accentStyle
	case string(types.GroupFailed), string(types.WorkDead):
		return failStyle
	case string(types.ProductRetracted), string(types.CalRetired):
		return warnStyle
	default:
		// collecting, pending, staging and friends: work not yet started.
		return mutedStyle
	}
}

// RenderState paints a state name in its palette color.
func RenderState(state string) string {
	return StateColor(state).Render(state)
}
