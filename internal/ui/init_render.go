package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/list"
	"github.com/charmbracelet/lipgloss/table"
)

// InitResult aggregates everything the init command set up.
type InitResult struct {
	Workspace  string
	ConfigPath string
	DBPath     string

	// Directories created under the workspace.
	Dirs []string

	// Kernel manifest location and whether a manifest already existed.
	ManifestPath  string
	ManifestFound bool

	// Warnings collected during setup (missing kernel binaries and such).
	Warnings []string

	// Next steps
	QuickstartCommands []string
}

// RenderInitReport generates the report printed after workspace init.
func RenderInitReport(res InitResult, width int) string {
	var sections []string

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPass).
		Render("✓ contimg workspace initialized")
	sections = append(sections, header, "")

	// Created directories as a checked list.
	l := list.New().
		Enumerator(func(_ list.Items, i int) string {
			return RenderPass("✓")
		}).
		EnumeratorStyle(lipgloss.NewStyle().MarginRight(1))
	for _, d := range res.Dirs {
		l.Item(d)
	}
	manifestLine := "Kernel manifest: " + res.ManifestPath
	if !res.ManifestFound {
		manifestLine += " " + RenderWarn("(template written, edit before starting)")
	}
	l.Item(manifestLine)
	sections = append(sections, l.String(), "")

	detailsRows := [][]string{
		{"Workspace", res.Workspace},
		{"Config", res.ConfigPath},
		{"State database", res.DBPath},
	}
	summaryTable := table.New().
		Headers("Component", "Location").
		Rows(detailsRows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				if col == 0 {
					return TableHeaderStyle.Width(20)
				}
				return TableHeaderStyle.Width(width - 20 - 3)
			}
			style := TableCellStyle
			if col == 0 {
				style = style.Bold(true).Foreground(ColorAccent)
			}
			return style
		})
	sections = append(sections, summaryTable.String(), "")

	if len(res.Warnings) > 0 {
		warnBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorWarn).
			Padding(0, 1).
			Width(width - 2)

		var warnContent []string
		warnContent = append(warnContent,
			lipgloss.NewStyle().Bold(true).Foreground(ColorWarn).Render("⚠ Setup warnings:"))
		for _, w := range res.Warnings {
			warnContent = append(warnContent, "  • "+w)
		}
		sections = append(sections, warnBox.Render(strings.Join(warnContent, "\n")), "")
	}

	if len(res.QuickstartCommands) > 0 {
		sections = append(sections, lipgloss.NewStyle().Bold(true).Render("Next Steps:"))
		for _, cmd := range res.QuickstartCommands {
			sections = append(sections, "  • "+RenderAccent(cmd))
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
