package ui

import (
	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders a markdown document for the terminal. Styling
// follows the terminal's background; without a TTY the text passes through
// with minimal formatting so output stays pipeable.
func RenderMarkdown(md string, width int) (string, error) {
	style := glamour.WithAutoStyle()
	if !ShouldUseColor() {
		style = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
